package scoring

import (
	"sort"

	"github.com/cochaviz/petri/internal/events"
)

const topPathLimit = 10

type PathCount struct {
	Path  string `json:"path"`
	Count int    `json:"count"`
}

type FileOperationSummary struct {
	Total    int         `json:"total"`
	Creates  int         `json:"creates"`
	Modifies int         `json:"modifies"`
	Deletes  int         `json:"deletes"`
	Opens    int         `json:"opens"`
	Accesses int         `json:"accesses"`
	TopPaths []PathCount `json:"top_paths"`
}

// SummarizeFiles counts file events by operation and ranks the most referenced
// paths by count, breaking ties by path.
func SummarizeFiles(evs []events.Event) FileOperationSummary {
	var summary FileOperationSummary
	counts := make(map[string]int)
	for _, ev := range evs {
		if ev.File == nil {
			continue
		}
		summary.Total++
		switch ev.File.Op {
		case events.FileCreate:
			summary.Creates++
		case events.FileModify:
			summary.Modifies++
		case events.FileDelete:
			summary.Deletes++
		case events.FileOpen:
			summary.Opens++
		case events.FileAccess:
			summary.Accesses++
		}
		counts[ev.File.Path]++
	}

	paths := make([]PathCount, 0, len(counts))
	for p, n := range counts {
		paths = append(paths, PathCount{Path: p, Count: n})
	}
	sort.Slice(paths, func(i, j int) bool {
		if paths[i].Count != paths[j].Count {
			return paths[i].Count > paths[j].Count
		}
		return paths[i].Path < paths[j].Path
	})
	if len(paths) > topPathLimit {
		paths = paths[:topPathLimit]
	}
	summary.TopPaths = paths
	return summary
}

type Connection struct {
	Protocol  string `json:"protocol"`
	DstAddr   string `json:"dst_addr"`
	DstPort   int    `json:"dst_port"`
	Direction string `json:"direction,omitempty"`
	Count     int    `json:"count"`
}

type NetworkSummary struct {
	DNSQueries  []string     `json:"dns_queries"`
	Connections []Connection `json:"connections"`
	Inbound     int          `json:"inbound"`
	Outbound    int          `json:"outbound"`
}

type connKey struct {
	protocol string
	addr     string
	port     int
}

// SummarizeNetwork collects unique DNS questions and connection tuples in order
// of first appearance.
func SummarizeNetwork(evs []events.Event) NetworkSummary {
	summary := NetworkSummary{DNSQueries: []string{}, Connections: []Connection{}}
	seenQuery := make(map[string]struct{})
	conns := make(map[connKey]int)

	for _, ev := range evs {
		n := ev.Network
		if n == nil {
			continue
		}
		switch n.Direction {
		case events.DirectionInbound:
			summary.Inbound++
		case events.DirectionOutbound:
			summary.Outbound++
		}
		if n.Op == events.NetworkDNS {
			if _, ok := seenQuery[n.Query]; !ok && n.Query != "" {
				seenQuery[n.Query] = struct{}{}
				summary.DNSQueries = append(summary.DNSQueries, n.Query)
			}
			continue
		}
		if !isConnection(n.Op) {
			continue
		}
		key := connKey{protocol: n.Protocol, addr: n.DstAddr, port: n.DstPort}
		if i, ok := conns[key]; ok {
			summary.Connections[i].Count++
			continue
		}
		conns[key] = len(summary.Connections)
		summary.Connections = append(summary.Connections, Connection{
			Protocol:  n.Protocol,
			DstAddr:   n.DstAddr,
			DstPort:   n.DstPort,
			Direction: n.Direction,
			Count:     1,
		})
	}
	return summary
}

func isConnection(op events.NetworkOp) bool {
	switch op {
	case events.NetworkConnect, events.NetworkAccept, events.NetworkPacket:
		return true
	}
	return false
}
