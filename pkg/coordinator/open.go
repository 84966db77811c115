package coordinator

import (
	"entitytx/pkg/cache"
	"entitytx/pkg/config"
	dberror "entitytx/pkg/error"
	"entitytx/pkg/logging"
	"entitytx/pkg/store"
	"entitytx/pkg/store/memstore"
	"entitytx/pkg/store/sqlstore"
)

// OpenStore opens the engine selected by cfg.
func OpenStore(cfg *config.Config) (store.Store, error) {
	rules, err := cfg.Rules()
	if err != nil {
		return nil, dberror.Newf(dberror.ErrConfig, "OpenStore", "Coordinator", "ownership: %v", err)
	}

	switch cfg.Store.Engine {
	case config.EngineMemory:
		return memstore.New(rules), nil
	case config.EngineSQLite:
		s, err := sqlstore.Open(cfg.Store.Path, rules)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, dberror.Newf(dberror.ErrConfig, "OpenStore", "Coordinator", "unknown store engine %q", cfg.Store.Engine)
	}
}

// Open builds a coordinator, its store and its cache from cfg.
func Open(cfg *config.Config) (*Coordinator, error) {
	s, err := OpenStore(cfg)
	if err != nil {
		return nil, err
	}

	c := New(s, cache.New(cfg.CacheOptions()),
		WithLockTimeout(cfg.LockTimeout()),
		WithDeadlockDetection(cfg.Locks.DetectDeadlocks),
	)

	logging.WithComponent("coordinator").Info("coordinator opened",
		"engine", cfg.Store.Engine,
		"lock_timeout", cfg.LockTimeout(),
		"cache_policy", cfg.Cache.Policy,
		"cacheable", cfg.Cache.Kinds,
	)
	return c, nil
}
