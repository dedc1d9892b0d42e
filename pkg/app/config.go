package app

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

const (
	StoreBackendMemory   = "memory"
	StoreBackendPostgres = "postgres"

	LockBackendLocal = "local"
	LockBackendEtcd  = "etcd"
)

// Config is the process level configuration. Runtime knobs are configured
// separately through RUNTIME_SERVICE_ environment variables.
type Config struct {
	LogLevel string `mapstructure:"log_level"`

	AppName string `mapstructure:"app_name"`

	// Metrics are disabled when no license key is set
	NewRelicLicenseKey string `mapstructure:"new_relic_license_key"`

	// StoreBackend is one of: memory, postgres
	StoreBackend string         `mapstructure:"store_backend"`
	Postgres     PostgresConfig `mapstructure:"postgres"`

	// LockBackend is one of: local, etcd
	LockBackend string     `mapstructure:"lock_backend"`
	LockStripes uint       `mapstructure:"lock_stripes"`
	Etcd        EtcdConfig `mapstructure:"etcd"`
}

type PostgresConfig struct {
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	DbName   string `mapstructure:"db_name"`

	UseAwsIam bool `mapstructure:"use_aws_iam"`

	MaxOpenConnections int `mapstructure:"max_open_connections"`
	MaxIdleConnections int `mapstructure:"max_idle_connections"`
}

type EtcdConfig struct {
	Endpoints   []string      `mapstructure:"endpoints"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`

	// Prefix under which account mutexes are created
	RootKey string `mapstructure:"root_key"`

	// Locks held by a crashed process are released after LockTTL
	LockTTL time.Duration `mapstructure:"lock_ttl"`
}

var defaultConfig = Config{
	LogLevel: "info",

	AppName: "transfer-runtime",

	StoreBackend: StoreBackendMemory,
	Postgres: PostgresConfig{
		Port:               5432,
		MaxOpenConnections: 20,
		MaxIdleConnections: 10,
	},

	LockBackend: LockBackendLocal,
	LockStripes: 1024,
	Etcd: EtcdConfig{
		DialTimeout: 5 * time.Second,
		RootKey:     "/transfer/locks/accounts",
		LockTTL:     10 * time.Second,
	},
}

func bindEnvs(v *viper.Viper) {
	_ = v.BindEnv("log_level", "LOG_LEVEL")

	_ = v.BindEnv("app_name", "APP_NAME")

	_ = v.BindEnv("new_relic_license_key", "NEW_RELIC_LICENSE_KEY")

	_ = v.BindEnv("store_backend", "STORE_BACKEND")
	_ = v.BindEnv("postgres.user", "POSTGRES_USER")
	_ = v.BindEnv("postgres.password", "POSTGRES_PASSWORD")
	_ = v.BindEnv("postgres.host", "POSTGRES_HOST")
	_ = v.BindEnv("postgres.port", "POSTGRES_PORT")
	_ = v.BindEnv("postgres.db_name", "POSTGRES_DB_NAME")
	_ = v.BindEnv("postgres.use_aws_iam", "POSTGRES_USE_AWS_IAM")
	_ = v.BindEnv("postgres.max_open_connections", "POSTGRES_MAX_OPEN_CONNECTIONS")
	_ = v.BindEnv("postgres.max_idle_connections", "POSTGRES_MAX_IDLE_CONNECTIONS")

	_ = v.BindEnv("lock_backend", "LOCK_BACKEND")
	_ = v.BindEnv("lock_stripes", "LOCK_STRIPES")
	_ = v.BindEnv("etcd.endpoints", "ETCD_ENDPOINTS")
	_ = v.BindEnv("etcd.dial_timeout", "ETCD_DIAL_TIMEOUT")
	_ = v.BindEnv("etcd.root_key", "ETCD_ROOT_KEY")
	_ = v.BindEnv("etcd.lock_ttl", "ETCD_LOCK_TTL")
}

// LoadConfig loads the configuration at path, if any, with environment
// variables taking precedence over the file. An empty path loads from the
// environment only.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	bindEnvs(v)

	if len(path) > 0 {
		// An explicitly set config file that does not exist is not reported
		// as a viper.ConfigFileNotFoundError, so check for it up front.
		if _, err := os.Stat(path); err != nil {
			return nil, errors.Wrapf(err, "failed to check if config exists at %s", path)
		}

		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrap(err, "failed to load config")
		}
	}

	config := defaultConfig
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate checks that the selected backends are known and configured
func (c *Config) Validate() error {
	if len(c.AppName) == 0 {
		return errors.New("must specify an application name")
	}

	switch c.StoreBackend {
	case StoreBackendMemory:
	case StoreBackendPostgres:
		if len(c.Postgres.Host) == 0 || len(c.Postgres.DbName) == 0 || len(c.Postgres.User) == 0 {
			return errors.New("postgres store requires a host, database name and user")
		}
	default:
		return errors.Errorf("unknown store backend: %s", c.StoreBackend)
	}

	switch c.LockBackend {
	case LockBackendLocal:
		if c.LockStripes == 0 {
			return errors.New("lock stripes must be positive")
		}
	case LockBackendEtcd:
		if len(c.Etcd.Endpoints) == 0 {
			return errors.New("etcd locker requires at least one endpoint")
		}
		if len(c.Etcd.RootKey) == 0 {
			return errors.New("etcd locker requires a root key")
		}
	default:
		return errors.Errorf("unknown lock backend: %s", c.LockBackend)
	}

	return nil
}
