package catalog

import (
	"cmp"
	"strings"

	"github.com/yllada/veilvpn/common"
)

// Filter narrows and orders a catalog listing.
// The zero value lists every server.
type Filter struct {
	// Tier is common.TierAll, common.TierFree or common.TierPremium.
	Tier string
	// Search matches country, city or region, case-insensitively.
	Search string
	// Region restricts results to one region.
	Region string
	// Protocol restricts results to one protocol.
	Protocol Protocol
	// OnlineOnly hides offline servers.
	OnlineOnly bool
	// SelectedID is listed first when it matches.
	SelectedID string
}

func (f Filter) match(s *ServerDescriptor) bool {
	switch f.Tier {
	case common.TierFree:
		if s.PremiumOnly {
			return false
		}
	case common.TierPremium:
		if !s.PremiumOnly {
			return false
		}
	}
	if f.Region != "" && !strings.EqualFold(f.Region, s.Region) {
		return false
	}
	if f.Protocol != "" && f.Protocol != s.Protocol {
		return false
	}
	if f.OnlineOnly && s.Status == StatusOffline {
		return false
	}
	if q := strings.ToLower(strings.TrimSpace(f.Search)); q != "" {
		if !strings.Contains(strings.ToLower(s.Country), q) &&
			!strings.Contains(strings.ToLower(s.City), q) &&
			!strings.Contains(strings.ToLower(s.Region), q) {
			return false
		}
	}
	return true
}

// compare orders servers: selected, premium, known latency ascending,
// region, then id.
func (f Filter) compare(a, b *ServerDescriptor) int {
	if f.SelectedID != "" {
		as, bs := a.ID == f.SelectedID, b.ID == f.SelectedID
		if as != bs {
			if as {
				return -1
			}
			return 1
		}
	}
	if a.PremiumOnly != b.PremiumOnly {
		if a.PremiumOnly {
			return -1
		}
		return 1
	}
	switch {
	case a.LatencyMs != nil && b.LatencyMs == nil:
		return -1
	case a.LatencyMs == nil && b.LatencyMs != nil:
		return 1
	case a.LatencyMs != nil && b.LatencyMs != nil:
		if c := cmp.Compare(*a.LatencyMs, *b.LatencyMs); c != 0 {
			return c
		}
	}
	if c := cmp.Compare(a.Region, b.Region); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}
