package dht

import (
	"context"
	"time"
)

const republishInterval = 30 * time.Minute

type MaintenanceConfig struct {
	SweepInterval     time.Duration
	RepublishInterval time.Duration
}

func DefaultMaintenanceConfig() MaintenanceConfig {
	return MaintenanceConfig{
		SweepInterval:     2 * time.Minute,
		RepublishInterval: republishInterval,
	}
}

// RunMaintenance sweeps expired records and providers, and republishes
// this node's own records so they outlive replica expiry. Blocks until
// ctx is done.
func (d *DHT) RunMaintenance(ctx context.Context, n Sender, cfg MaintenanceConfig) {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 2 * time.Minute
	}
	if cfg.RepublishInterval <= 0 {
		cfg.RepublishInterval = republishInterval
	}

	sweepT := time.NewTicker(cfg.SweepInterval)
	defer sweepT.Stop()

	repT := time.NewTicker(cfg.RepublishInterval)
	defer repT.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-sweepT.C:
			_ = d.records.SweepExpired(time.Now())
			_ = d.providers.SweepExpired(time.Now())

		case <-repT.C:
			d.republishOwned(ctx, n)
		}
	}
}

func (d *DHT) republishOwned(ctx context.Context, n Sender) {
	now := time.Now()

	d.ownedMu.Lock()
	keys := make([][32]byte, 0, len(d.owned))
	for k, st := range d.owned {
		if st.nextRepublish.IsZero() || !now.Before(st.nextRepublish) {
			keys = append(keys, k)
		}
	}
	d.ownedMu.Unlock()

	for _, k := range keys {
		if err := ctx.Err(); err != nil {
			return
		}
		env, _, ok := d.records.Get(k, time.Now())
		if !ok {
			// The owner stopped refreshing it; let it die everywhere.
			d.ownedMu.Lock()
			delete(d.owned, k)
			d.ownedMu.Unlock()
			continue
		}

		if _, err := d.PutRecord(ctx, n, env, DefaultPublishConfig()); err != nil {
			d.log.Printf("dht: republish %s failed: %v", KeyHex(k), err)
		}
	}
}
