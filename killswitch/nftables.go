package killswitch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"os/exec"
	"slices"
	"strings"

	"github.com/rs/zerolog"

	"github.com/yllada/veilvpn/common"
)

const defaultTable = "veilvpn_killswitch"

var (
	lanV4 = []string{"10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16", "169.254.0.0/16"}
	lanV6 = []string{"fc00::/7", "fe80::/10"}
)

// NFTablesConfig configures the nftables backend.
type NFTablesConfig struct {
	// Binary is the nft executable, "nft" by default.
	Binary string
	// Table is the inet table owned by the kill switch.
	Table string
	// AllowLAN keeps private ranges reachable.
	AllowLAN bool
	// TunnelInterfaces are interface globs that bypass the block.
	TunnelInterfaces []string
}

// runFunc executes nft with args, feeding stdin when non-nil.
type runFunc func(ctx context.Context, stdin io.Reader, name string, args ...string) ([]byte, error)

// NFTables blocks egress with a dedicated nftables table.
type NFTables struct {
	cfg       NFTablesConfig
	endpoints EndpointSource
	resolver  *net.Resolver
	run       runFunc
	logger    zerolog.Logger
}

// NewNFTables creates the backend. endpoints may be nil.
func NewNFTables(cfg NFTablesConfig, endpoints EndpointSource) *NFTables {
	if cfg.Binary == "" {
		cfg.Binary = "nft"
	}
	if cfg.Table == "" {
		cfg.Table = defaultTable
	}
	if len(cfg.TunnelInterfaces) == 0 {
		cfg.TunnelInterfaces = []string{"tun*", "wg*"}
	}
	return &NFTables{
		cfg:       cfg,
		endpoints: endpoints,
		resolver:  net.DefaultResolver,
		run:       runCommand,
		logger:    common.WithComponent("killswitch"),
	}
}

// Enable installs (or replaces) the blocking table.
func (n *NFTables) Enable(ctx context.Context) error {
	ruleset := n.ruleset(n.allowedEndpoints(ctx))
	out, err := n.run(ctx, strings.NewReader(ruleset), n.cfg.Binary, "-f", "-")
	if err != nil {
		return fmt.Errorf("%w: nft: %v: %s", common.ErrPermissionDenied, err, bytes.TrimSpace(out))
	}
	n.logger.Info().Str("table", n.cfg.Table).Msg("egress blocked")
	return nil
}

// Disable removes the table. A missing table is not an error.
func (n *NFTables) Disable(ctx context.Context) error {
	out, err := n.run(ctx, nil, n.cfg.Binary, "delete", "table", "inet", n.cfg.Table)
	if err != nil {
		if bytes.Contains(out, []byte("No such file or directory")) {
			return nil
		}
		return fmt.Errorf("%w: nft: %v: %s", common.ErrPermissionDenied, err, bytes.TrimSpace(out))
	}
	n.logger.Info().Str("table", n.cfg.Table).Msg("egress unblocked")
	return nil
}

// allowedEndpoints resolves the catalog endpoints to address/port pairs.
// Endpoints that cannot be resolved are skipped.
func (n *NFTables) allowedEndpoints(ctx context.Context) []netip.AddrPort {
	if n.endpoints == nil {
		return nil
	}

	var out []netip.AddrPort
	for id, ep := range n.endpoints.Endpoints() {
		host, portStr, err := net.SplitHostPort(ep)
		if err != nil {
			continue
		}
		port, err := net.LookupPort("udp", portStr)
		if err != nil {
			continue
		}

		if addr, err := netip.ParseAddr(host); err == nil {
			out = append(out, netip.AddrPortFrom(addr.Unmap(), uint16(port)))
			continue
		}
		addrs, err := n.resolver.LookupNetIP(ctx, "ip", host)
		if err != nil {
			n.logger.Warn().Err(err).Str("server", id).Str("host", host).Msg("cannot resolve endpoint, it will be blocked")
			continue
		}
		for _, a := range addrs {
			out = append(out, netip.AddrPortFrom(a.Unmap(), uint16(port)))
		}
	}

	slices.SortFunc(out, func(a, b netip.AddrPort) int { return a.Compare(b) })
	return slices.Compact(out)
}

// ruleset renders the nft script. Declaring and deleting the table
// first makes the script replace any previous version atomically.
func (n *NFTables) ruleset(endpoints []netip.AddrPort) string {
	var b strings.Builder
	t := n.cfg.Table

	fmt.Fprintf(&b, "table inet %s\n", t)
	fmt.Fprintf(&b, "delete table inet %s\n", t)
	fmt.Fprintf(&b, "table inet %s {\n", t)
	b.WriteString("\tchain output {\n")
	b.WriteString("\t\ttype filter hook output priority 0; policy drop;\n")
	b.WriteString("\t\toifname \"lo\" accept\n")
	for _, iface := range n.cfg.TunnelInterfaces {
		fmt.Fprintf(&b, "\t\toifname %q accept\n", iface)
	}
	if n.cfg.AllowLAN {
		fmt.Fprintf(&b, "\t\tip daddr { %s } accept\n", strings.Join(lanV4, ", "))
		fmt.Fprintf(&b, "\t\tip6 daddr { %s } accept\n", strings.Join(lanV6, ", "))
	}
	for _, ep := range endpoints {
		family := "ip"
		if ep.Addr().Is6() {
			family = "ip6"
		}
		fmt.Fprintf(&b, "\t\t%s daddr %s th dport %d accept\n", family, ep.Addr(), ep.Port())
	}
	b.WriteString("\t}\n")
	b.WriteString("}\n")
	return b.String()
}

func runCommand(ctx context.Context, stdin io.Reader, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if stdin != nil {
		cmd.Stdin = stdin
	}
	out, err := cmd.CombinedOutput()
	if errors.Is(err, exec.ErrNotFound) {
		return out, fmt.Errorf("%s not installed: %w", name, err)
	}
	return out, err
}
