package app

import (
	"context"
	"database/sql"
	"os"
	"strings"
	"time"

	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	v3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/multierr"

	"github.com/code-payments/code-transfer/pkg/data/account"
	account_memory_client "github.com/code-payments/code-transfer/pkg/data/account/memory"
	account_postgres_client "github.com/code-payments/code-transfer/pkg/data/account/postgres"
	pg "github.com/code-payments/code-transfer/pkg/database/postgres"
	"github.com/code-payments/code-transfer/pkg/ledger"
	"github.com/code-payments/code-transfer/pkg/lock"
	etcd_locker "github.com/code-payments/code-transfer/pkg/lock/etcd"
	local_locker "github.com/code-payments/code-transfer/pkg/lock/local"
	"github.com/code-payments/code-transfer/pkg/metrics"
	"github.com/code-payments/code-transfer/pkg/program/transfer"
	"github.com/code-payments/code-transfer/pkg/runtime"
)

const shutdownTimeout = 10 * time.Second

// App owns the process wide resources backing an executor
type App struct {
	log    *logrus.Entry
	config *Config

	metricsProvider *newrelic.Application

	db         *sql.DB
	etcdClient *v3.Client

	store    account.Store
	locker   lock.AccountLocker
	executor *runtime.Executor
}

// New creates the backends selected by config, and an executor with the
// transfer program registered. Resources acquired before a failure are
// released.
func New(ctx context.Context, config *Config) (*App, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	a := &App{
		log:    logrus.StandardLogger().WithField("type", "app"),
		config: config,
	}

	// todo: Better abstraction so we're not directly tied to NR
	if len(config.NewRelicLicenseKey) > 0 {
		nr, err := newrelic.NewApplication(
			newrelic.ConfigFromEnvironment(),
			newrelic.ConfigAppName(config.AppName),
			newrelic.ConfigLicense(config.NewRelicLicenseKey),
			newrelic.ConfigDistributedTracerEnabled(true),
			newrelic.ConfigAppLogForwardingEnabled(true),
		)
		if err != nil {
			return nil, errors.Wrap(err, "error connecting to new relic")
		}

		a.metricsProvider = nr
	}

	configureLogger(config, a.metricsProvider)

	if err := a.initStore(ctx); err != nil {
		a.Close()
		return nil, err
	}

	if err := a.initLocker(); err != nil {
		a.Close()
		return nil, err
	}

	a.executor = runtime.NewExecutor(a.store, a.locker, runtime.WithEnvConfigs())
	a.executor.RegisterProgram(transfer.ProgramKey, transfer.Process)

	a.log.WithFields(logrus.Fields{
		"store_backend": config.StoreBackend,
		"lock_backend":  config.LockBackend,
	}).Info("app initialized")

	return a, nil
}

func (a *App) initStore(ctx context.Context) error {
	switch a.config.StoreBackend {
	case StoreBackendMemory:
		a.store = account_memory_client.New()
	case StoreBackendPostgres:
		db, err := pg.Open(&pg.Config{
			User:               a.config.Postgres.User,
			Password:           a.config.Postgres.Password,
			Host:               a.config.Postgres.Host,
			Port:               a.config.Postgres.Port,
			DbName:             a.config.Postgres.DbName,
			UseAwsIam:          a.config.Postgres.UseAwsIam,
			MaxOpenConnections: a.config.Postgres.MaxOpenConnections,
			MaxIdleConnections: a.config.Postgres.MaxIdleConnections,
		})
		if err != nil {
			return errors.Wrap(err, "error opening postgres connection")
		}
		a.db = db

		if err := db.PingContext(ctx); err != nil {
			return errors.Wrap(err, "error pinging postgres")
		}

		a.store = account_postgres_client.New(db)
	default:
		return errors.Errorf("unknown store backend: %s", a.config.StoreBackend)
	}

	return nil
}

func (a *App) initLocker() error {
	switch a.config.LockBackend {
	case LockBackendLocal:
		a.locker = local_locker.New(a.config.LockStripes)
	case LockBackendEtcd:
		client, err := v3.New(v3.Config{
			Endpoints:   a.config.Etcd.Endpoints,
			DialTimeout: a.config.Etcd.DialTimeout,
		})
		if err != nil {
			return errors.Wrap(err, "error creating etcd client")
		}
		a.etcdClient = client

		locker, err := etcd_locker.New(client, a.config.Etcd.RootKey, a.config.Etcd.LockTTL)
		if err != nil {
			return errors.Wrap(err, "error creating etcd locker")
		}
		a.locker = locker
	default:
		return errors.Errorf("unknown lock backend: %s", a.config.LockBackend)
	}

	return nil
}

// Execute runs a transaction through the executor, tracing it when metrics
// are enabled
func (a *App) Execute(ctx context.Context, txn ledger.Transaction) (*runtime.Receipt, error) {
	return a.executor.Execute(a.Context(ctx), txn)
}

// Context returns ctx with the metrics provider attached
func (a *App) Context(ctx context.Context) context.Context {
	if a.metricsProvider == nil {
		return ctx
	}
	return metrics.WithApplication(ctx, a.metricsProvider)
}

func (a *App) Executor() *runtime.Executor {
	return a.executor
}

func (a *App) Store() account.Store {
	return a.store
}

// Close releases every resource held by the app. It is safe to call on a
// partially initialized app.
func (a *App) Close() {
	var err error

	if a.locker != nil {
		a.locker.Close()
	}

	if a.etcdClient != nil {
		err = multierr.Append(err, errors.Wrap(a.etcdClient.Close(), "error closing etcd client"))
	}

	if a.db != nil {
		err = multierr.Append(err, errors.Wrap(a.db.Close(), "error closing postgres connection"))
	}

	if a.metricsProvider != nil {
		a.metricsProvider.Shutdown(shutdownTimeout)
	}

	if err != nil {
		a.log.WithError(err).Warn("failure closing app resources")
	}
}

func configureLogger(config *Config, metricsProvider *newrelic.Application) {
	if metricsProvider != nil {
		logrus.SetFormatter(metrics.NewNewRelicLogFormatter(metricsProvider, &logrus.JSONFormatter{}))
	} else {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	}

	level, err := logrus.ParseLevel(strings.ToLower(config.LogLevel))
	if err != nil {
		logrus.StandardLogger().WithField("log_level", config.LogLevel).Warn("unknown log level, ignoring")
	} else {
		logrus.SetLevel(level)
	}

	logrus.SetOutput(os.Stdout)
}
