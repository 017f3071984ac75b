// Copyright (c) 2018, Postgres Professional

package commands

import (
	"context"

	"postgrespro.ru/segman/internal/cluster"
	"postgrespro.ru/segman/internal/guc"
	"postgrespro.ru/segman/internal/pg"
	"postgrespro.ru/segman/internal/segmlog"
)

type GucReport struct {
	// running values
	Database *guc.Collection
	// on-disk values, nil when not read
	Files *guc.Collection
}

func (r *GucReport) Consistent() (bool, error) {
	ok, err := r.Database.IsConsistent()
	if err != nil || !ok {
		return ok, err
	}
	if r.Files == nil {
		return true, nil
	}
	return r.Files.IsConsistent()
}

// CheckGuc gathers running values of parameter; mirrors are not reachable
// that way, so if there are any, configuration files of all segments are read
// as well.
func CheckGuc(ctx context.Context, hl *segmlog.Logger, exec pg.Executor, coordinator pg.ConnTarget,
	src cluster.SnapshotSource, name string, fleet FleetOptions) (*GucReport, error) {
	values, err := guc.DatabaseValues(ctx, exec, coordinator, name)
	if err != nil {
		return nil, err
	}
	report := &GucReport{Database: guc.NewCollection()}
	for _, v := range values {
		report.Database.AddValue(v)
	}

	topo, err := cluster.Load(ctx, src)
	if err != nil {
		return nil, err
	}
	if !topo.HasMirrors() {
		return report, nil
	}
	hl.Debugf("cluster has mirrors, reading %s files", guc.ConfigFile)
	values, err = guc.FileValues(ctx, hl, topo, name, guc.FileOptions{
		Home:      fleet.Home,
		Transport: fleet.Transport,
		Parallel:  fleet.Parallel,
	})
	if err != nil {
		return nil, err
	}
	report.Files = guc.NewCollection()
	for _, v := range values {
		report.Files.AddValue(v)
	}
	return report, nil
}
