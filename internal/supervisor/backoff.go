package supervisor

import (
	"math"
	"math/rand/v2"
	"time"
)

// RestartPolicy controls the delay between automatic restarts of a crashed
// child.
type RestartPolicy struct {
	Base   time.Duration // first delay
	Factor float64       // multiplier per attempt
	Cap    time.Duration // upper bound before jitter
	Jitter float64       // fraction of the delay randomized both ways
}

// DefaultRestartPolicy backs off 500ms, 1s, 2s, ... capped at 30s with
// ±25% jitter.
func DefaultRestartPolicy() RestartPolicy {
	return RestartPolicy{
		Base:   500 * time.Millisecond,
		Factor: 2,
		Cap:    30 * time.Second,
		Jitter: 0.25,
	}
}

// DefaultStableWindow is how long a child must stay running before its
// restart counter resets.
const DefaultStableWindow = 60 * time.Second

// Delay returns the backoff before restart attempt n (0-based).
func (p RestartPolicy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := float64(p.Base) * math.Pow(p.Factor, float64(attempt))
	if d > float64(p.Cap) {
		d = float64(p.Cap)
	}
	if p.Jitter > 0 {
		// Spread the delay across [d*(1-j), d*(1+j)].
		d += d * p.Jitter * (2*rand.Float64() - 1)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}
