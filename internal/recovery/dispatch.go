// Copyright (c) 2018, Postgres Professional

package recovery

import (
	"context"
	"fmt"

	"github.com/alessio/shellescape"

	"postgrespro.ru/segman/internal/command"
	"postgrespro.ru/segman/internal/pool"
	"postgrespro.ru/segman/internal/segmlog"
)

// DefaultAgent is the local recovery agent reading orders in --orders
const DefaultAgent = "segman_recover_local"

type DispatchOptions struct {
	// agent executable on target hosts
	Agent string
	// installation prefix on target hosts, see command.Remote
	Home      string
	Transport command.Transport
	// max simultaneously recovered hosts, <= 0 means all of them
	Parallel int
}

// AgentCommand is the shell command making host apply its orders
func AgentCommand(agent string, orders []Order) (string, error) {
	if agent == "" {
		agent = DefaultAgent
	}
	data, err := EncodeOrders(orders)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s --orders %s", agent, shellescape.Quote(string(data))), nil
}

// Dispatch ships orders to their hosts, one task per host, and waits for all
// of them. Every host is allowed to finish; the first failure is returned.
func Dispatch(ctx context.Context, hl *segmlog.Logger, plan *Plan, opts DispatchOptions) error {
	hosts := plan.Hosts()
	if len(hosts) == 0 {
		hl.Infof("nothing to recover")
		return nil
	}

	tasks := make([]*command.Task, 0, len(hosts))
	for _, host := range hosts {
		cmd, err := AgentCommand(opts.Agent, plan.Orders[host])
		if err != nil {
			return err
		}
		ectx, err := command.NewRemote(host, opts.Home, opts.Transport)
		if err != nil {
			return err
		}
		name := fmt.Sprintf("recover %d segment(s) on %s", len(plan.Orders[host]), host)
		tasks = append(tasks, command.NewTask(name, cmd, ectx))
	}

	return pool.With(ctx, hl, pool.WorkersFor(len(hosts), opts.Parallel), func(p *pool.Pool) error {
		for _, task := range tasks {
			if err := p.Submit(task); err != nil {
				return err
			}
		}
		hl.Infof("recovery run %v: dispatched %d order(s) to %d host(s), %d at once",
			plan.ID, plan.NumOrders(), len(hosts), p.NumWorkers())
		p.AwaitAll()
		if err := p.CheckResults(); err != nil {
			return err
		}
		hl.Infof("recovery run %v: all hosts done", plan.ID)
		return nil
	})
}
