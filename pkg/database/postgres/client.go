package pg

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/external"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	"github.com/aws/aws-sdk-go-v2/service/rds/rdsutils"
	"github.com/pkg/errors"

	_ "github.com/newrelic/go-agent/v3/integrations/nrpgx"
)

const (
	driverName = "nrpgx"

	connMaxIdleTime = time.Hour
	connMaxLifetime = time.Hour
)

type Config struct {
	User     string
	Host     string
	Password string
	Port     int
	DbName   string

	// UseAwsIam authenticates with an RDS IAM token instead of Password
	UseAwsIam bool

	MaxOpenConnections int
	MaxIdleConnections int
}

// Open opens a connection pool using the credentials described by the config
func Open(config *Config) (*sql.DB, error) {
	var db *sql.DB
	var err error
	if config.UseAwsIam {
		var awsConfig aws.Config
		awsConfig, err = external.LoadDefaultAWSConfig()
		if err != nil {
			return nil, errors.Wrap(err, "error loading aws config")
		}

		db, err = NewWithAwsIam(config.User, config.Host, fmt.Sprint(config.Port), config.DbName, awsConfig)
	} else {
		db, err = NewWithUsernameAndPassword(config.User, config.Password, config.Host, fmt.Sprint(config.Port), config.DbName)
	}
	if err != nil {
		return nil, err
	}

	if config.MaxOpenConnections > 0 {
		db.SetMaxOpenConns(config.MaxOpenConnections)
	}
	if config.MaxIdleConnections > 0 {
		db.SetMaxIdleConns(config.MaxIdleConnections)
	}
	db.SetConnMaxIdleTime(connMaxIdleTime)
	db.SetConnMaxLifetime(connMaxLifetime)

	return db, nil
}

// NewWithAwsIam gets a DB connection pool using AWS IAM credentials. Only
// provisioned Aurora RDS clusters support this.
//
// https://docs.aws.amazon.com/AmazonRDS/latest/AuroraUserGuide/UsingWithRDS.IAMDBAuth.Connecting.Go.html
func NewWithAwsIam(username, hostname, port, dbname string, config aws.Config) (*sql.DB, error) {
	rdsClient := rds.New(config)

	endpoint := fmt.Sprintf("%s:%s", hostname, port)
	authToken, err := rdsutils.BuildAuthToken(endpoint, rdsClient.Region, username, rdsClient.Credentials)
	if err != nil {
		return nil, errors.Wrap(err, "error building rds auth token")
	}

	dsn := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s",
		hostname, port, username, authToken, dbname,
	)
	return connect(dsn)
}

// NewWithUsernameAndPassword gets a DB connection pool using username/password
// credentials.
func NewWithUsernameAndPassword(username, password, hostname, port, dbname string) (*sql.DB, error) {
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		username, password, hostname, port, dbname,
	)
	return connect(dsn)
}

func connect(dsn string) (*sql.DB, error) {
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "error pinging database")
	}
	return db, nil
}
