// Copyright (c) 2018, Postgres Professional

package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/davecgh/go-spew/spew"
	"k8s.io/utils/clock"

	"postgrespro.ru/segman/internal/cluster"
	"postgrespro.ru/segman/internal/command"
	"postgrespro.ru/segman/internal/reconfig"
	"postgrespro.ru/segman/internal/recovery"
	"postgrespro.ru/segman/internal/segmlog"
)

// How to reach segment hosts
type FleetOptions struct {
	// installation prefix on hosts
	Home      string
	Transport command.Transport
	// max hosts worked on at once, <= 0 means no limit
	Parallel int
}

// ManifestStore keeps shipped orders for post-mortem; cluster.ClusterStore is one
type ManifestStore interface {
	PutRecoveryManifest(ctx context.Context, runID string, host string, manifest []byte) error
}

type RecoverOptions struct {
	Fleet FleetOptions
	// full resync of every down segment instead of incremental one
	Full   bool
	LogDir string
	Agent  string
	// nil means don't persist
	Store ManifestStore

	Probe   reconfig.Step
	Check   reconfig.Step
	Timeout time.Duration
	// for tests
	Clock clock.Clock
}

// RecoverSegments brings every down segment back from its peer and waits
// until the cluster notices. Steps are strictly sequential: reconfiguration
// starts only after every host finished its recovery.
func RecoverSegments(ctx context.Context, hl *segmlog.Logger, src cluster.SnapshotSource, opts RecoverOptions) error {
	topo, err := cluster.Load(ctx, src)
	if err != nil {
		return err
	}
	pairs, err := recovery.PairsForDownSegments(topo, opts.Full)
	if err != nil {
		return err
	}
	if len(pairs) == 0 {
		hl.Infof("all segments are up, nothing to recover")
		return nil
	}
	for _, p := range pairs {
		hl.Infof("recovering %v from %v", p.Failed, p.Source)
	}

	clk := opts.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}
	plan, err := recovery.Builder{LogDir: opts.LogDir}.Build(pairs, clk.Now())
	if err != nil {
		return err
	}
	hl.Debugf("recovery plan: %s", spew.Sdump(plan))

	if opts.Store != nil {
		for _, host := range plan.Hosts() {
			data, err := recovery.EncodeOrders(plan.Orders[host])
			if err != nil {
				return err
			}
			if err := opts.Store.PutRecoveryManifest(ctx, plan.ID.String(), host, data); err != nil {
				return fmt.Errorf("failed to save recovery manifest of %s: %w", host, err)
			}
		}
	}

	err = recovery.Dispatch(ctx, hl, plan, recovery.DispatchOptions{
		Agent:     opts.Agent,
		Home:      opts.Fleet.Home,
		Transport: opts.Fleet.Transport,
		Parallel:  opts.Fleet.Parallel,
	})
	if err != nil {
		return fmt.Errorf("recovery failed: %w", err)
	}

	return Reconfigure(ctx, hl, opts.Probe, opts.Check, opts.Timeout, clk)
}

// Reconfigure makes fault detection rescan segments and waits for convergence
func Reconfigure(ctx context.Context, hl *segmlog.Logger, probe reconfig.Step, check reconfig.Step, timeout time.Duration, clk clock.Clock) error {
	if probe == nil || check == nil {
		return fmt.Errorf("probe and health check are required")
	}
	r := reconfig.New(hl, probe, check, timeout)
	if clk != nil {
		r.Clock = clk
	}
	return r.Reconfigure(ctx)
}
