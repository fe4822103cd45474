package openvpn

import (
	"fmt"
	"net"
	"strings"
)

// parseRouteForOpenVPN converts a CIDR route to network/netmask format for OpenVPN
// Examples:
//   - "192.168.1.0/24" -> "192.168.1.0", "255.255.255.0"
//   - "10.0.0.1" -> "10.0.0.1", "255.255.255.255"
func parseRouteForOpenVPN(route string) (network, netmask string) {
	route = strings.TrimSpace(route)
	if route == "" {
		return "", ""
	}

	if strings.Contains(route, "/") {
		_, ipNet, err := net.ParseCIDR(route)
		if err != nil || len(ipNet.Mask) != net.IPv4len {
			return "", ""
		}
		mask := ipNet.Mask
		netmask = fmt.Sprintf("%d.%d.%d.%d", mask[0], mask[1], mask[2], mask[3])
		return ipNet.IP.String(), netmask
	}

	ip := net.ParseIP(route)
	if ip != nil && ip.To4() != nil {
		return route, "255.255.255.255"
	}
	return "", ""
}

// normalizeNetworkRoute normalizes a network route
// Converts "192.168.1.1/24" to "192.168.1.0/24" (correct network address)
// Converts "10.0.0.5" to "10.0.0.5/32" (individual host)
func normalizeNetworkRoute(route string) string {
	route = strings.TrimSpace(route)
	if route == "" {
		return ""
	}

	if strings.Contains(route, "/") {
		_, ipNet, err := net.ParseCIDR(route)
		if err != nil {
			return ""
		}
		ones, _ := ipNet.Mask.Size()
		return fmt.Sprintf("%s/%d", ipNet.IP.String(), ones)
	}

	ip := net.ParseIP(route)
	if ip == nil {
		return ""
	}
	if ip.To4() == nil {
		return route + "/128"
	}
	return route + "/32"
}

// normalizeRoutes normalizes and deduplicates routes, returning the
// entries that could not be parsed separately.
func normalizeRoutes(routes []string) (valid, invalid []string) {
	seen := make(map[string]bool, len(routes))
	for _, r := range routes {
		n := normalizeNetworkRoute(r)
		if n == "" {
			if strings.TrimSpace(r) != "" {
				invalid = append(invalid, r)
			}
			continue
		}
		if seen[n] {
			continue
		}
		seen[n] = true
		valid = append(valid, n)
	}
	return valid, invalid
}

// routeArgs turns include-mode split tunnel routes into openvpn options.
// The server's default route is ignored so only these networks use the tunnel.
func routeArgs(routes []string) []string {
	if len(routes) == 0 {
		return nil
	}
	args := []string{"--route-nopull", "--pull-filter", "ignore", "redirect-gateway"}
	for _, r := range routes {
		network, netmask := parseRouteForOpenVPN(r)
		if network == "" {
			continue
		}
		args = append(args, "--route", network, netmask)
	}
	return args
}
