// Copyright (c) 2018, Postgres Professional

package commands

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"postgrespro.ru/segman/internal/recovery"
)

// ManifestReader gives back what ManifestStore saved
type ManifestReader interface {
	GetRecoveryManifest(ctx context.Context, runID string, host string) ([]byte, error)
	ListRecoveryManifests(ctx context.Context, runID string) (map[string][]byte, error)
}

type HostOrders struct {
	Host   string
	Orders []recovery.Order
}

// ShowManifests decodes orders saved by recovery run runID, of the given host
// only if it is not empty. Hosts are sorted.
func ShowManifests(ctx context.Context, src ManifestReader, runID string, host string) ([]HostOrders, error) {
	if _, err := uuid.Parse(runID); err != nil {
		return nil, fmt.Errorf("invalid recovery run id %q: %w", runID, err)
	}

	var manifests map[string][]byte
	if host != "" {
		data, err := src.GetRecoveryManifest(ctx, runID, host)
		if err != nil {
			return nil, err
		}
		if data == nil {
			return nil, fmt.Errorf("no manifest of host %s in recovery run %s", host, runID)
		}
		manifests = map[string][]byte{host: data}
	} else {
		var err error
		manifests, err = src.ListRecoveryManifests(ctx, runID)
		if err != nil {
			return nil, err
		}
		if len(manifests) == 0 {
			return nil, fmt.Errorf("no manifests saved for recovery run %s", runID)
		}
	}

	hosts := maps.Keys(manifests)
	slices.Sort(hosts)
	res := make([]HostOrders, 0, len(hosts))
	for _, h := range hosts {
		orders, err := recovery.DecodeOrders(manifests[h])
		if err != nil {
			return nil, fmt.Errorf("manifest of %s: %w", h, err)
		}
		res = append(res, HostOrders{Host: h, Orders: orders})
	}
	return res, nil
}
