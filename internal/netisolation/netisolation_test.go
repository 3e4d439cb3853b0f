package netisolation

import (
	"context"
	"errors"
	"net"
	"strings"
	"testing"

	"github.com/vishvananda/netlink"
)

func mustCIDR(t *testing.T, s string) *net.IPNet {
	t.Helper()

	_, n, err := net.ParseCIDR(s)
	if err != nil {
		t.Fatalf("ParseCIDR(%q) error = %v", s, err)
	}
	return n
}

func TestParseConfig(t *testing.T) {
	t.Parallel()

	if _, err := parseConfig(DefaultConfig); err != nil {
		t.Fatalf("parseConfig(default) error = %v", err)
	}

	testCases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "missing bridge", mutate: func(c *Config) { c.Bridge = "" }, wantErr: "bridge name"},
		{name: "long bridge", mutate: func(c *Config) { c.Bridge = "petri-capture-bridge0" }, wantErr: "longer than"},
		{name: "bad gateway", mutate: func(c *Config) { c.GatewayCIDR = "nope" }, wantErr: "parse gateway"},
		{name: "gateway outside", mutate: func(c *Config) { c.GatewayCIDR = "10.1.0.1/24" }, wantErr: "outside subnet"},
	}
	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			cfg := DefaultConfig
			tc.mutate(&cfg)
			if _, err := parseConfig(cfg); err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("parseConfig() error = %v, want %q", err, tc.wantErr)
			}
		})
	}
}

func TestRenderRules(t *testing.T) {
	t.Parallel()

	parsed, err := parseConfig(DefaultConfig)
	if err != nil {
		t.Fatalf("parseConfig() error = %v", err)
	}
	rules, err := renderRules(parsed)
	if err != nil {
		t.Fatalf("renderRules() error = %v", err)
	}
	text := string(rules)
	for _, want := range []string{
		"table inet petri_isolation",
		`iifname "petri0" counter drop comment "petri: no egress from 10.47.0.0/24"`,
		`oifname "petri0" counter drop`,
		"10.47.0.1",
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("rules missing %q:\n%s", want, text)
		}
	}
}

func TestProgramNftablesReplacesTable(t *testing.T) {
	t.Parallel()

	var calls []string
	var loaded []byte
	g := NewGuard(DefaultConfig, nil)
	g.nft = func(_ context.Context, input []byte, args ...string) ([]byte, error) {
		calls = append(calls, strings.Join(args, " "))
		if input != nil {
			loaded = input
		}
		if args[0] == "delete" {
			return nil, errors.New("Error: No such file or directory")
		}
		return nil, nil
	}
	parsed, _ := parseConfig(DefaultConfig)
	if err := g.programNftables(context.Background(), parsed); err != nil {
		t.Fatalf("programNftables() error = %v", err)
	}
	if len(calls) != 2 || calls[0] != "delete table inet petri_isolation" || calls[1] != "-f -" {
		t.Fatalf("nft calls = %q", calls)
	}
	if !strings.Contains(string(loaded), "petri_isolation") {
		t.Fatalf("loaded rules = %s", loaded)
	}
	if err := g.Teardown(context.Background()); err != nil {
		t.Fatalf("Teardown() of missing table error = %v", err)
	}
}

func TestEgressRoutes(t *testing.T) {
	t.Parallel()

	subnet := mustCIDR(t, "10.47.0.0/24")
	routes := []netlink.Route{
		{Dst: mustCIDR(t, "10.47.0.0/24")},
		{Dst: mustCIDR(t, "10.47.0.128/25")},
		{Dst: mustCIDR(t, "fe80::/64")},
		{Dst: mustCIDR(t, "ff00::/8")},
	}
	if bad := egressRoutes(routes, subnet); len(bad) != 0 {
		t.Fatalf("egressRoutes(isolated) = %+v", bad)
	}

	leaky := []netlink.Route{
		{Dst: nil, Gw: net.ParseIP("10.47.0.1")},
		{Dst: mustCIDR(t, "0.0.0.0/0"), Gw: net.ParseIP("10.47.0.1")},
		{Dst: mustCIDR(t, "192.168.0.0/16")},
		{Dst: mustCIDR(t, "10.47.0.0/16")},
		{Dst: mustCIDR(t, "10.47.0.0/24"), Gw: net.ParseIP("172.17.0.1")},
	}
	bad := egressRoutes(leaky, subnet)
	if len(bad) != len(leaky) {
		t.Fatalf("egressRoutes(leaky) = %d routes, want %d", len(bad), len(leaky))
	}
	if got := describeRoute(bad[0]); got != "default via 10.47.0.1" {
		t.Fatalf("describeRoute() = %q", got)
	}
}
