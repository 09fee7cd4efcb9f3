// Package bootstrap collects the process-setup steps every cmd/ binary
// shares: resolving the configured datastore backend into a concrete
// datastore.Store. Kept separate from any one binary's main.go since five
// binaries (frontend, worker, build, deploy, export) all need it.
package bootstrap

import (
	"fmt"
	"strings"

	"github.com/sentinelfleet/core/internal/config"
	"github.com/sentinelfleet/core/internal/datastore"
)

// NewDatastore resolves cfg.Backend ("memory" or "redis", defaulting to
// memory) into a concrete Store.
func NewDatastore(cfg config.DatastoreConfig) (datastore.Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", "memory":
		return datastore.NewMemory(), nil
	case "redis":
		store, err := datastore.NewRedis(datastore.RedisConfig{
			Address:  cfg.Redis.Address,
			Username: cfg.Redis.Username,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TLS: datastore.RedisTLSConfig{
				Enabled: cfg.Redis.TLS.Enabled,
				CAFile:  cfg.Redis.TLS.CAFile,
			},
		})
		if err != nil {
			return nil, fmt.Errorf("bootstrap: connect redis datastore: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("bootstrap: unsupported datastore backend %q", cfg.Backend)
	}
}
