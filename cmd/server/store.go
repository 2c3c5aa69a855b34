package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"kite-server/internal/config"
	"kite-server/internal/db"
	"kite-server/internal/group"
	"kite-server/internal/store/mongostore"
	"kite-server/internal/store/sqlstore"
)

// backend is an opened and migrated store.
type backend struct {
	store group.Store
	ping  func(ctx context.Context) error
	close func()
}

func openBackend(ctx context.Context, conf config.DatabaseConfig, log *zap.Logger) (*backend, error) {
	switch conf.Driver {
	case config.DriverSQLite:
		gdb, err := db.OpenSQLite(conf.SQLitePath)
		if err != nil {
			return nil, err
		}
		if err := sqlstore.Migrate(gdb); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
		sqlDB, err := gdb.DB()
		if err != nil {
			return nil, err
		}
		log.Info("using sqlite store", zap.String("path", conf.SQLitePath))
		return &backend{
			store: sqlstore.New(gdb),
			ping:  sqlDB.PingContext,
			close: func() { _ = sqlDB.Close() },
		}, nil

	case config.DriverMongo:
		client, err := db.ConnectMongo(ctx, conf.MongoURI)
		if err != nil {
			return nil, err
		}
		st := mongostore.New(client, conf.MongoDatabase, log)
		if err := st.EnsureIndexes(ctx); err != nil {
			_ = client.Disconnect(context.Background())
			return nil, fmt.Errorf("ensure indexes: %w", err)
		}
		log.Info("using mongo store", zap.String("database", conf.MongoDatabase))
		return &backend{
			store: st,
			ping:  func(ctx context.Context) error { return client.Ping(ctx, nil) },
			close: func() { _ = client.Disconnect(context.Background()) },
		}, nil
	}
	return nil, fmt.Errorf("unknown database driver %q", conf.Driver)
}
