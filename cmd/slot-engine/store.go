package main

import (
	"context"
	"fmt"

	"github.com/warp/slot-engine/allocation"
	memstore "github.com/warp/slot-engine/allocation/store"
	"github.com/warp/slot-engine/config"
	"github.com/warp/slot-engine/store/postgres"
	"github.com/warp/slot-engine/store/sqlite"
)

// openedStore pairs a TxStore with its release function.
type openedStore struct {
	allocation.TxStore
	close func()
}

func (s *openedStore) Close() { s.close() }

// openStore opens the configured driver with its schema in place.
func openStore(ctx context.Context, cfg *config.Config) (*openedStore, error) {
	switch cfg.StoreDriver {
	case config.DriverMemory:
		return &openedStore{TxStore: memstore.NewMemory(), close: func() {}}, nil

	case config.DriverSQLite:
		st, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return &openedStore{TxStore: st, close: func() { st.Close() }}, nil

	case config.DriverPostgres:
		pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, err
		}
		st := postgres.New(pool)
		if err := st.Migrate(ctx); err != nil {
			st.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		return &openedStore{TxStore: st, close: st.Close}, nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
}
