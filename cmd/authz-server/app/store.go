package app

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/spf13/viper"

	"github.com/giantswarm/authz-server/instrumentation"
	"github.com/giantswarm/authz-server/storage"
	"github.com/giantswarm/authz-server/storage/memory"
	"github.com/giantswarm/authz-server/storage/sqlstore"
	"github.com/giantswarm/authz-server/storage/valkey"
)

// Values of store.driver
const (
	storeDriverMemory   = "memory"
	storeDriverSQLite   = sqlstore.DriverSQLite
	storeDriverPostgres = sqlstore.DriverPostgres
	storeDriverValkey   = "valkey"
)

// openedStore is a storage backend together with its cleanup
type openedStore struct {
	storage.Store
	close func() error
}

// Close releases the backend's connections
func (s *openedStore) Close() error {
	if s.close == nil {
		return nil
	}
	return s.close()
}

// SetInstrumentation forwards to backends that record storage metrics
func (s *openedStore) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if instrumented, ok := s.Store.(interface {
		SetInstrumentation(*instrumentation.Instrumentation)
	}); ok {
		instrumented.SetInstrumentation(inst)
	}
}

// openStore opens the configured backend. Network backends are retried
// with exponential backoff until store.connect_timeout elapses, so the
// server can start before its database.
func openStore(ctx context.Context, v *viper.Viper, logger *slog.Logger, migrate bool) (*openedStore, error) {
	driver := v.GetString(keyStoreDriver)

	switch driver {
	case storeDriverMemory:
		store := memory.New()
		store.SetLogger(logger)
		logger.Warn("Using in-memory storage; all clients and sessions are lost on restart")
		return &openedStore{Store: store}, nil

	case storeDriverSQLite, storeDriverPostgres:
		cfg := sqlstore.Config{
			Driver:         driver,
			DSN:            v.GetString(keyStoreDSN),
			Logger:         logger,
			SkipMigrations: !migrate || v.GetBool(keyStoreSkipMigrations),
		}
		if cfg.DSN == "" {
			return nil, fmt.Errorf("%s is required for the %s store", keyStoreDSN, driver)
		}
		store, err := retryConnect(ctx, v, logger, driver, func() (*sqlstore.Store, error) {
			return sqlstore.Open(ctx, cfg)
		})
		if err != nil {
			return nil, err
		}
		return &openedStore{Store: store, close: store.Close}, nil

	case storeDriverValkey:
		cfg := valkey.Config{
			Address:   v.GetString(keyValkeyAddress),
			Password:  v.GetString(keyValkeyPassword),
			DB:        v.GetInt(keyValkeyDB),
			KeyPrefix: v.GetString(keyValkeyPrefix),
			Logger:    logger,
		}
		if v.GetBool(keyValkeyTLS) {
			cfg.TLS = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		store, err := retryConnect(ctx, v, logger, driver, func() (*valkey.Store, error) {
			return valkey.New(cfg)
		})
		if err != nil {
			return nil, err
		}
		return &openedStore{Store: store, close: store.Close}, nil

	default:
		return nil, fmt.Errorf("unsupported store driver %q (expected %s, %s, %s or %s)",
			driver, storeDriverMemory, storeDriverSQLite, storeDriverPostgres, storeDriverValkey)
	}
}

func retryConnect[T any](ctx context.Context, v *viper.Viper, logger *slog.Logger, driver string, connect func() (T, error)) (T, error) {
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 500 * time.Millisecond
	expBackoff.MaxInterval = 10 * time.Second

	store, err := backoff.Retry(ctx, connect,
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxElapsedTime(v.GetDuration(keyStoreConnectTimeout)),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Warn("Store connection failed, retrying",
				"driver", driver,
				"retry_in", next,
				"error", err)
		}),
	)
	if err != nil {
		return store, fmt.Errorf("failed to open %s store: %w", driver, err)
	}
	return store, nil
}
