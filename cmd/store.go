package main

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/reconcile/internal/config"
	"github.com/sells-group/reconcile/internal/store"
)

// initStore opens the configured run store. It returns nil when the driver
// is "none".
func initStore(ctx context.Context, sc config.StoreConfig) (store.Store, error) {
	var (
		st  store.Store
		err error
	)
	switch sc.Driver {
	case "", "none":
		return nil, nil
	case "sqlite":
		st, err = store.NewSQLite(sc.SQLitePath)
	case "postgres":
		st, err = store.NewPostgres(ctx, sc.DatabaseURL, &store.PoolConfig{
			MaxConns: sc.MaxConns,
			MinConns: sc.MinConns,
			Schema:   sc.Schema,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", sc.Driver)
	}
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close() //nolint:errcheck
		return nil, err
	}
	return st, nil
}
