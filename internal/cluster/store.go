// Copyright (c) 2018, Postgres Professional

// retrieving cluster data from the store
package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"go.etcd.io/etcd/client/pkg/v3/transport"
	etcdclientv3 "go.etcd.io/etcd/client/v3"

	"postgrespro.ru/segman/internal/store"
)

type ClusterStore struct {
	StorePath   string
	Store       store.EtcdV3Store
	ClusterName string // mainly for logging
}

type ClusterStoreConnInfo struct {
	ClusterName   string
	StoreConnInfo StoreConnInfo
}

type StoreConnInfo struct {
	Endpoints string
	CAFile    string
	// client auth
	CertFile string // client's cert
	Key      string // client's private key
}

func NewClusterStore(cfg *ClusterStoreConnInfo) (*ClusterStore, error) {
	endpoints := strings.Split(cfg.StoreConnInfo.Endpoints, ",")

	var tlsInfo *transport.TLSInfo = nil
	for _, endp := range endpoints {
		if strings.HasPrefix(endp, "https") {
			tlsInfo = &transport.TLSInfo{
				CertFile:      cfg.StoreConnInfo.CertFile,
				KeyFile:       cfg.StoreConnInfo.Key,
				TrustedCAFile: cfg.StoreConnInfo.CAFile,
			}
			break
		}
	}
	etcdcfg := etcdclientv3.Config{Endpoints: endpoints}
	if tlsInfo != nil {
		tlsConfig, err := tlsInfo.ClientConfig()
		if err != nil {
			return nil, fmt.Errorf("cannot create store tls config: %v", err)
		}
		etcdcfg.TLS = tlsConfig
	}

	cli, err := etcdclientv3.New(etcdcfg)
	if err != nil {
		return nil, err
	}
	etcdstore := store.NewEtcdV3Store(cli)
	storePath := filepath.Join("segman", cfg.ClusterName)
	return &ClusterStore{StorePath: storePath, Store: etcdstore, ClusterName: cfg.ClusterName}, nil
}

func (cs *ClusterStore) topologyPath() string {
	return filepath.Join(cs.StorePath, "topology")
}

func (cs *ClusterStore) manifestPath(runID string, host string) string {
	return filepath.Join(cs.StorePath, "recovery", runID, host)
}

// Get last saved topology rows; nil, nil, nil if there is none
func (cs *ClusterStore) GetTopology(ctx context.Context) ([]SnapshotRow, *store.KVPair, error) {
	var rows []SnapshotRow
	pair, err := cs.Store.Get(ctx, cs.topologyPath())
	if err != nil {
		return nil, nil, err
	}
	if pair == nil {
		return nil, nil, nil
	}
	if err := json.Unmarshal(pair.Value, &rows); err != nil {
		return nil, nil, err
	}
	return rows, pair, nil
}

func (cs *ClusterStore) PutTopology(ctx context.Context, t *Topology) error {
	rowsj, err := json.Marshal(t.Rows())
	if err != nil {
		return err
	}
	return cs.Store.Put(ctx, cs.topologyPath(), rowsj)
}

// Serialized recovery orders of one host are dropped here for the local
// recovery agent.
func (cs *ClusterStore) PutRecoveryManifest(ctx context.Context, runID string, host string, manifest []byte) error {
	return cs.Store.Put(ctx, cs.manifestPath(runID, host), manifest)
}

// nil, nil if no manifest for this host
func (cs *ClusterStore) GetRecoveryManifest(ctx context.Context, runID string, host string) ([]byte, error) {
	pair, err := cs.Store.Get(ctx, cs.manifestPath(runID, host))
	if err != nil {
		return nil, err
	}
	if pair == nil {
		return nil, nil
	}
	return pair.Value, nil
}

// ListRecoveryManifests returns host -> manifest of all hosts of the run
func (cs *ClusterStore) ListRecoveryManifests(ctx context.Context, runID string) (map[string][]byte, error) {
	pairs, err := cs.Store.GetPrefix(ctx, filepath.Join(cs.StorePath, "recovery", runID)+"/")
	if err != nil {
		return nil, err
	}
	res := make(map[string][]byte, len(pairs))
	for _, pair := range pairs {
		res[path.Base(pair.Key)] = pair.Value
	}
	return res, nil
}

func (cs *ClusterStore) Close() error {
	return cs.Store.Close()
}

// StoreSnapshotSource reads topology last saved to the store
type StoreSnapshotSource struct {
	CS *ClusterStore
}

func (s StoreSnapshotSource) Snapshot(ctx context.Context) ([]SnapshotRow, error) {
	rows, _, err := s.CS.GetTopology(ctx)
	if err != nil {
		return nil, err
	}
	if rows == nil {
		return nil, fmt.Errorf("topology of cluster %v not found in the store", s.CS.ClusterName)
	}
	return rows, nil
}
