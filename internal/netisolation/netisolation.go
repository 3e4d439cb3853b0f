// Package netisolation prepares the capture bridge sandboxes attach to when
// network capture is enabled, and checks that a running sandbox has no route
// off that bridge.
package netisolation

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"text/template"
	"time"

	"github.com/cochaviz/petri/internal/logging"

	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"
	"golang.org/x/sys/unix"
)

// ErrEgressRoute means a sandbox network namespace can route past its bridge.
var ErrEgressRoute = errors.New("sandbox has an egress route")

type Config struct {
	Network     string `yaml:"network"`
	Bridge      string `yaml:"bridge"`
	GatewayCIDR string `yaml:"gateway_cidr"`
	SubnetCIDR  string `yaml:"subnet_cidr"`
	NftTable    string `yaml:"nft_table"`
}

var DefaultConfig = Config{
	Network:     "petri-capture",
	Bridge:      "petri0",
	GatewayCIDR: "10.47.0.1/24",
	SubnetCIDR:  "10.47.0.0/24",
	NftTable:    "petri_isolation",
}

//go:embed isolation.nft
var isolationRules string

type nftTemplateData struct {
	Table   string
	Bridge  string
	Subnet  string
	Gateway string
}

type parsedConfig struct {
	Config
	gateway *netlink.Addr
	subnet  *net.IPNet
}

func parseConfig(cfg Config) (parsedConfig, error) {
	if strings.TrimSpace(cfg.Bridge) == "" {
		return parsedConfig{}, errors.New("bridge name is required")
	}
	if len(cfg.Bridge) > unix.IFNAMSIZ-1 {
		return parsedConfig{}, fmt.Errorf("bridge name %q is longer than %d characters", cfg.Bridge, unix.IFNAMSIZ-1)
	}
	gateway, err := netlink.ParseAddr(cfg.GatewayCIDR)
	if err != nil {
		return parsedConfig{}, fmt.Errorf("parse gateway: %w", err)
	}
	_, subnet, err := net.ParseCIDR(cfg.SubnetCIDR)
	if err != nil {
		return parsedConfig{}, fmt.Errorf("parse subnet: %w", err)
	}
	if !subnet.Contains(gateway.IP) {
		return parsedConfig{}, fmt.Errorf("gateway %s is outside subnet %s", gateway.IP, subnet)
	}
	if cfg.NftTable == "" {
		cfg.NftTable = DefaultConfig.NftTable
	}
	return parsedConfig{Config: cfg, gateway: gateway, subnet: subnet}, nil
}

// Validate checks the bridge name and addresses without touching the host.
func (c Config) Validate() error {
	_, err := parseConfig(c)
	return err
}

// Guard owns host side isolation of the capture bridge.
type Guard struct {
	cfg    Config
	logger *slog.Logger
	// nft runs the nft binary; replaced in tests.
	nft func(ctx context.Context, input []byte, args ...string) ([]byte, error)
}

func NewGuard(cfg Config, logger *slog.Logger) *Guard {
	return &Guard{cfg: cfg, logger: logging.Ensure(logger), nft: runNft}
}

func (g *Guard) Config() Config {
	return g.cfg
}

// Setup brings the bridge up with its gateway address and installs the
// forwarding rules. The bridge is created when the container engine has not
// created it yet. Running it again is harmless.
func (g *Guard) Setup(ctx context.Context) error {
	if os.Geteuid() != 0 {
		return errors.New("network isolation setup requires root")
	}
	parsed, err := parseConfig(g.cfg)
	if err != nil {
		return err
	}
	if err := g.ensureBridge(parsed); err != nil {
		return err
	}
	return g.programNftables(ctx, parsed)
}

// Teardown removes the nftables table. The bridge belongs to the container
// engine's network and is left alone.
func (g *Guard) Teardown(ctx context.Context) error {
	parsed, err := parseConfig(g.cfg)
	if err != nil {
		return err
	}
	if _, err := g.nft(ctx, nil, "delete", "table", "inet", parsed.NftTable); err != nil && !strings.Contains(err.Error(), "No such file or directory") {
		return err
	}
	return nil
}

func (g *Guard) ensureBridge(cfg parsedConfig) error {
	link, err := netlink.LinkByName(cfg.Bridge)
	if err != nil {
		if !isLinkNotFound(err) {
			return fmt.Errorf("get bridge %s: %w", cfg.Bridge, err)
		}
		g.logger.Info("creating capture bridge", "bridge", cfg.Bridge)
		br := &netlink.Bridge{LinkAttrs: netlink.LinkAttrs{Name: cfg.Bridge}}
		if err := netlink.LinkAdd(br); err != nil && !errors.Is(err, syscall.EEXIST) {
			return fmt.Errorf("create bridge %s: %w", cfg.Bridge, err)
		}
		for i := 0; i < 20; i++ {
			if link, err = netlink.LinkByName(cfg.Bridge); err == nil {
				break
			}
			time.Sleep(100 * time.Millisecond)
		}
		if err != nil {
			return fmt.Errorf("bridge %s did not appear: %w", cfg.Bridge, err)
		}
	}
	if err := ensureAddress(link, cfg.gateway); err != nil {
		return err
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("bring %s up: %w", cfg.Bridge, err)
	}
	return nil
}

func (g *Guard) programNftables(ctx context.Context, cfg parsedConfig) error {
	rules, err := renderRules(cfg)
	if err != nil {
		return err
	}
	// Replace rather than append so reruns stay idempotent.
	_, _ = g.nft(ctx, nil, "delete", "table", "inet", cfg.NftTable)
	if _, err := g.nft(ctx, rules, "-f", "-"); err != nil {
		return fmt.Errorf("load isolation rules: %w", err)
	}
	g.logger.Info("installed isolation rules", "table", cfg.NftTable, "bridge", cfg.Bridge)
	return nil
}

func renderRules(cfg parsedConfig) ([]byte, error) {
	tmpl, err := template.New("isolation").Parse(isolationRules)
	if err != nil {
		return nil, fmt.Errorf("parse nft template: %w", err)
	}
	var rendered bytes.Buffer
	if err := tmpl.Execute(&rendered, nftTemplateData{
		Table:   cfg.NftTable,
		Bridge:  cfg.Bridge,
		Subnet:  cfg.subnet.String(),
		Gateway: cfg.gateway.IP.String(),
	}); err != nil {
		return nil, fmt.Errorf("render nft template: %w", err)
	}
	return rendered.Bytes(), nil
}

// VerifyNoEgress inspects the network namespace of pid and fails when it has a
// default route or a route outside the capture subnet.
func (g *Guard) VerifyNoEgress(pid int) error {
	parsed, err := parseConfig(g.cfg)
	if err != nil {
		return err
	}
	ns, err := netns.GetFromPid(pid)
	if err != nil {
		return fmt.Errorf("open netns of pid %d: %w", pid, err)
	}
	defer ns.Close()

	handle, err := netlink.NewHandleAt(ns)
	if err != nil {
		return fmt.Errorf("netlink handle for pid %d: %w", pid, err)
	}
	defer handle.Close()

	routes, err := handle.RouteList(nil, netlink.FAMILY_ALL)
	if err != nil {
		return fmt.Errorf("list routes of pid %d: %w", pid, err)
	}
	if bad := egressRoutes(routes, parsed.subnet); len(bad) > 0 {
		return fmt.Errorf("%w: %s", ErrEgressRoute, describeRoute(bad[0]))
	}
	return nil
}

// egressRoutes returns routes that leave subnet: default routes, gatewayed
// routes, and destinations not inside subnet. Loopback and link-local routes
// are allowed.
func egressRoutes(routes []netlink.Route, subnet *net.IPNet) []netlink.Route {
	var out []netlink.Route
	for _, r := range routes {
		switch {
		case r.Dst == nil || isDefault(r.Dst):
			out = append(out, r)
		case r.Gw != nil && !subnet.Contains(r.Gw):
			out = append(out, r)
		case r.Dst.IP.IsLoopback(), r.Dst.IP.IsLinkLocalUnicast(), r.Dst.IP.IsLinkLocalMulticast(), r.Dst.IP.IsMulticast():
		case !subnetCovers(subnet, r.Dst):
			out = append(out, r)
		}
	}
	return out
}

func isDefault(dst *net.IPNet) bool {
	ones, _ := dst.Mask.Size()
	return ones == 0
}

func subnetCovers(outer, inner *net.IPNet) bool {
	outerOnes, outerBits := outer.Mask.Size()
	innerOnes, innerBits := inner.Mask.Size()
	return outerBits == innerBits && innerOnes >= outerOnes && outer.Contains(inner.IP)
}

func describeRoute(r netlink.Route) string {
	dst := "default"
	if r.Dst != nil && !isDefault(r.Dst) {
		dst = r.Dst.String()
	}
	if r.Gw != nil {
		return dst + " via " + r.Gw.String()
	}
	return dst
}

func ensureAddress(link netlink.Link, addr *netlink.Addr) error {
	existing, err := netlink.AddrList(link, unix.AF_INET)
	if err != nil {
		return fmt.Errorf("list addresses: %w", err)
	}
	for _, a := range existing {
		if a.IP.Equal(addr.IP) && bytes.Equal(a.Mask, addr.Mask) {
			return nil
		}
	}
	if err := netlink.AddrAdd(link, addr); err != nil && !errors.Is(err, syscall.EEXIST) {
		return fmt.Errorf("add %s to %s: %w", addr, link.Attrs().Name, err)
	}
	return nil
}

func isLinkNotFound(err error) bool {
	if errors.Is(err, os.ErrNotExist) || errors.Is(err, syscall.ENOENT) {
		return true
	}
	var notFound netlink.LinkNotFoundError
	return errors.As(err, &notFound)
}

func runNft(ctx context.Context, input []byte, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "nft", args...)
	if input != nil {
		cmd.Stdin = bytes.NewReader(input)
	}
	output, err := cmd.CombinedOutput()
	if err != nil {
		return output, fmt.Errorf("nft %s: %w (output: %s)", strings.Join(args, " "), err, strings.TrimSpace(string(output)))
	}
	return output, nil
}
