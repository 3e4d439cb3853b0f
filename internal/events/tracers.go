package events

import (
	"net/netip"
	"path"
	"strconv"
	"strings"
	"time"
)

// normalizeFileWatch parses `inotifywait -m -r --timefmt %s --format '%T %e %w%f'` lines.
// CLOSE_WRITE only closes a write already reported as CREATE or MODIFY, so a line
// carrying nothing else produces no event.
func (n *Normalizer) normalizeFileWatch(raw Raw) []Event {
	fields := strings.SplitN(strings.TrimSpace(raw.Line), " ", 3)
	if len(fields) != 3 {
		return nil
	}
	ts := raw.Received
	if secs, err := strconv.ParseInt(fields[0], 10, 64); err == nil {
		ts = time.Unix(secs, 0).UTC()
	}

	var op FileOp
	for _, flag := range strings.Split(fields[1], ",") {
		switch flag {
		case "CREATE", "MOVED_TO":
			op = FileCreate
		case "MODIFY", "ATTRIB":
			if op == "" {
				op = FileModify
			}
		case "DELETE", "DELETE_SELF", "MOVED_FROM":
			op = FileDelete
		case "OPEN":
			if op == "" {
				op = FileOpen
			}
		case "ACCESS":
			if op == "" {
				op = FileAccess
			}
		}
	}
	if op == "" {
		return nil
	}
	return []Event{newFileEvent(ts, op, fields[2], 0, raw.Line)}
}

// normalizePacket parses `tcpdump -i any -tt -n -l` lines. Only connection
// openings, DNS questions, and the first datagram of a UDP flow become events.
func (n *Normalizer) normalizePacket(raw Raw) []Event {
	fields := strings.Fields(raw.Line)
	if len(fields) < 5 {
		return nil
	}
	ts := raw.Received
	if secs, frac, ok := strings.Cut(fields[0], "."); ok {
		if parsed, err := parseStraceTimestamp(secs, frac); err == nil {
			ts = parsed
		}
	}
	fields = fields[1:]

	direction := DirectionOutbound
	// With `-i any` newer tcpdump prints the interface and the packet direction.
	for len(fields) > 0 && fields[0] != "IP" && fields[0] != "IP6" {
		switch fields[0] {
		case "In":
			direction = DirectionInbound
		case "Out":
			direction = DirectionOutbound
		}
		fields = fields[1:]
	}
	if len(fields) < 4 || fields[2] != ">" {
		return nil
	}
	srcAddr, srcPort, ok := splitEndpoint(fields[1])
	if !ok {
		return nil
	}
	dstAddr, dstPort, ok := splitEndpoint(strings.TrimSuffix(fields[3], ":"))
	if !ok {
		return nil
	}
	rest := strings.Join(fields[4:], " ")

	switch {
	case strings.HasPrefix(rest, "Flags [S]"):
		// A bare SYN opens a connection; the direction marks who initiated it.
		detail := NetworkDetail{
			Op:        NetworkConnect,
			Protocol:  "tcp",
			SrcAddr:   srcAddr,
			SrcPort:   srcPort,
			DstAddr:   dstAddr,
			DstPort:   dstPort,
			Direction: direction,
		}
		if direction == DirectionInbound {
			detail.Op = NetworkAccept
		}
		return []Event{newNetworkEvent(ts, detail, raw.Line)}
	case strings.HasPrefix(rest, "Flags"):
		return nil
	case dstPort == 53:
		query := dnsQuestion(rest)
		if query == "" {
			return nil
		}
		return []Event{newNetworkEvent(ts, NetworkDetail{
			Op:        NetworkDNS,
			Protocol:  "udp",
			SrcAddr:   srcAddr,
			SrcPort:   srcPort,
			DstAddr:   dstAddr,
			DstPort:   dstPort,
			Direction: direction,
			Query:     query,
		}, raw.Line)}
	case srcPort == 53:
		return nil
	}

	flow := "udp|" + srcAddr + "|" + dstAddr + "|" + strconv.Itoa(dstPort)
	if _, dup := n.flows[flow]; dup {
		return nil
	}
	n.flows[flow] = struct{}{}
	return []Event{newNetworkEvent(ts, NetworkDetail{
		Op:        NetworkPacket,
		Protocol:  "udp",
		SrcAddr:   srcAddr,
		SrcPort:   srcPort,
		DstAddr:   dstAddr,
		DstPort:   dstPort,
		Direction: direction,
	}, raw.Line)}
}

// splitEndpoint splits tcpdump's `addr.port` notation.
func splitEndpoint(s string) (string, int, bool) {
	idx := strings.LastIndex(s, ".")
	if idx <= 0 {
		return "", 0, false
	}
	addr, err := netip.ParseAddr(s[:idx])
	if err != nil {
		return "", 0, false
	}
	port, err := strconv.Atoi(s[idx+1:])
	if err != nil {
		return "", 0, false
	}
	return addr.String(), port, true
}

func dnsQuestion(rest string) string {
	fields := strings.Fields(rest)
	for i, f := range fields {
		if strings.HasSuffix(f, "?") && i+1 < len(fields) {
			return strings.TrimSuffix(fields[i+1], ".")
		}
	}
	return ""
}

// normalizeProcess parses `execsnoop -t` lines: TIME PCOMM PID PPID RET ARGS.
func (n *Normalizer) normalizeProcess(raw Raw) []Event {
	fields := strings.Fields(raw.Line)
	if len(fields) < 5 {
		return nil
	}
	pid, err := strconv.Atoi(fields[2])
	if err != nil {
		return nil
	}
	ppid, _ := strconv.Atoi(fields[3])
	if ret, err := strconv.Atoi(fields[4]); err != nil || ret != 0 {
		return nil
	}
	cmdline := strings.Join(fields[5:], " ")
	name := fields[1]
	if len(fields) > 5 {
		name = path.Base(fields[5])
	}
	return []Event{newProcessEvent(raw.Received, ProcessDetail{
		Op:          ProcessExec,
		PID:         pid,
		ParentPID:   ppid,
		Name:        name,
		CommandLine: cmdline,
	}, raw.Line)}
}
