package dht

import "time"

// Per-peer budget for inbound DHT requests. Keeps one flooding peer
// from starving the handler without punishing bursts of legitimate
// lookup traffic.
const (
	rpcRefillPerSecond = 20
	rpcBurst           = 40
)

// rpcBudget is a continuously-refilling request allowance. A peer that
// idles earns its burst back; one that floods gets its requests
// silently dropped. Callers synchronize access.
type rpcBudget struct {
	remaining float64
	refilled  time.Time
}

// spend debits one request, refilling first for the time elapsed since
// the previous call. It reports false when the peer is out of budget.
func (b *rpcBudget) spend(now time.Time) bool {
	if b.refilled.IsZero() {
		b.remaining = rpcBurst
	} else {
		b.remaining += now.Sub(b.refilled).Seconds() * rpcRefillPerSecond
		if b.remaining > rpcBurst {
			b.remaining = rpcBurst
		}
	}
	b.refilled = now

	if b.remaining < 1 {
		return false
	}
	b.remaining--
	return true
}
