// Copyright (c) 2018, Postgres Professional

package commands

import (
	"context"
	"fmt"

	"postgrespro.ru/segman/internal/cluster"
	"postgrespro.ru/segman/internal/command"
	"postgrespro.ru/segman/internal/pool"
	"postgrespro.ru/segman/internal/segmlog"
)

type HostResult struct {
	Host   string
	Result command.Result
}

// RunOnAllHosts executes cmd once on every host of the cluster. Unlike
// recovery, this is best effort: all hosts are tried and all failures are
// returned together. Results are ordered by host name.
func RunOnAllHosts(ctx context.Context, hl *segmlog.Logger, t *cluster.Topology, cmd string, includeCoordinator bool, fleet FleetOptions) ([]HostResult, error) {
	hosts := t.DistinctHostnames(includeCoordinator).List()
	tasks := make([]*command.Task, 0, len(hosts))
	for _, host := range hosts {
		ectx, err := command.NewRemote(host, fleet.Home, fleet.Transport)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, command.NewTask(fmt.Sprintf("forall on %s", host), cmd, ectx))
	}

	var failures error
	err := pool.With(ctx, hl, pool.WorkersFor(len(hosts), fleet.Parallel), func(p *pool.Pool) error {
		for _, task := range tasks {
			if err := p.Submit(task); err != nil {
				return err
			}
		}
		p.AwaitAll()
		failures = p.Errors()
		return nil
	})
	if err != nil {
		return nil, err
	}

	results := make([]HostResult, 0, len(tasks))
	for _, task := range tasks {
		res, err := task.Result()
		if err != nil {
			return nil, err
		}
		results = append(results, HostResult{Host: task.Ctx.Target(), Result: res})
	}
	return results, failures
}
