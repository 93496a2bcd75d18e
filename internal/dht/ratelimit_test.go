package dht

import (
	"testing"
	"time"
)

func TestRPCBudgetBurstThenDrop(t *testing.T) {
	var b rpcBudget
	now := time.Now()

	allowed := 0
	for i := 0; i < rpcBurst*2; i++ {
		if b.spend(now) {
			allowed++
		}
	}
	if allowed != rpcBurst {
		t.Fatalf("allowed %d requests at one instant, want %d", allowed, rpcBurst)
	}
}

func TestRPCBudgetRefills(t *testing.T) {
	var b rpcBudget
	now := time.Now()

	for b.spend(now) {
	}

	// One second earns rpcRefillPerSecond requests back.
	later := now.Add(time.Second)
	allowed := 0
	for b.spend(later) {
		allowed++
	}
	if allowed != rpcRefillPerSecond {
		t.Fatalf("after 1s refill allowed %d, want %d", allowed, rpcRefillPerSecond)
	}
}

func TestRPCBudgetCapsAtBurst(t *testing.T) {
	var b rpcBudget
	now := time.Now()
	b.spend(now)

	// A long idle never earns more than the burst.
	later := now.Add(time.Hour)
	allowed := 0
	for b.spend(later) {
		allowed++
	}
	if allowed != rpcBurst {
		t.Fatalf("after long idle allowed %d, want %d", allowed, rpcBurst)
	}
}
