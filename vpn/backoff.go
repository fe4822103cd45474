package vpn

import (
	"math"
	"math/rand/v2"
	"time"

	"github.com/yllada/veilvpn/common"
)

// Backoff computes retry delays: min(Cap, Base*Multiplier^(n-1)) scaled by a
// uniform jitter factor in [1-Jitter, 1+Jitter], never above Cap.
type Backoff struct {
	Base       time.Duration
	Multiplier float64
	Cap        time.Duration
	Jitter     float64

	// rand returns a value in [0, 1). Nil uses math/rand/v2.
	rand func() float64
}

// DefaultBackoff returns the 1s, x2, 30s cap, ±20% schedule.
func DefaultBackoff() Backoff {
	return Backoff{
		Base:       common.DefaultBackoffBase,
		Multiplier: common.DefaultBackoffMultiplier,
		Cap:        common.DefaultBackoffCap,
		Jitter:     common.DefaultBackoffJitter,
	}
}

// Delay returns the wait before attempt n+1, given n failed attempts (n >= 1).
func (b Backoff) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	raw := float64(b.Base) * math.Pow(b.Multiplier, float64(n-1))
	if b.Cap > 0 && raw > float64(b.Cap) {
		raw = float64(b.Cap)
	}

	if b.Jitter > 0 {
		r := rand.Float64
		if b.rand != nil {
			r = b.rand
		}
		raw *= 1 - b.Jitter + 2*b.Jitter*r()
	}

	if b.Cap > 0 && raw > float64(b.Cap) {
		raw = float64(b.Cap)
	}
	if raw < 0 {
		return 0
	}
	return time.Duration(raw)
}
