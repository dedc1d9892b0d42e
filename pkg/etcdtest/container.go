package etcdtest

import (
	"context"
	"fmt"
	"time"

	"github.com/ory/dockertest/v3"
	"github.com/ory/dockertest/v3/docker"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	v3 "go.etcd.io/etcd/client/v3"

	"github.com/code-payments/code-transfer/pkg/retry"
	"github.com/code-payments/code-transfer/pkg/retry/backoff"
)

const (
	imageName = "quay.io/coreos/etcd"
	imageTag  = "v3.5.13"

	containerAutoKill = 120 * time.Second
)

// StartEtcd starts a single node etcd container and returns a connected client
func StartEtcd(pool *dockertest.Pool) (client *v3.Client, teardown func(), err error) {
	teardown = func() {}

	resource, err := pool.RunWithOptions(&dockertest.RunOptions{
		Repository: imageName,
		Tag:        imageTag,
		Env: []string{
			"ALLOW_NONE_AUTHENTICATION=true",
			"ETCD_LISTEN_CLIENT_URLS=http://0.0.0.0:2379",
			"ETCD_ADVERTISE_CLIENT_URLS=http://0.0.0.0:2379",
		},
	}, func(config *docker.HostConfig) {
		// set AutoRemove to true so that stopped container goes away by itself
		config.AutoRemove = true
		config.RestartPolicy = docker.RestartPolicy{Name: "no"}
	})
	if err != nil {
		return nil, teardown, errors.Wrap(err, "failed to start etcd")
	}

	// Expire() never returns an error
	_ = resource.Expire(uint(containerAutoKill.Seconds()))

	log := logrus.StandardLogger().WithField("method", "StartEtcd")
	teardown = func() {
		if err := pool.Purge(resource); err != nil {
			log.WithError(err).Error("failed to cleanup etcd resource")
		}
	}

	client, err = v3.New(v3.Config{
		Endpoints:   []string{fmt.Sprintf("localhost:%s", resource.GetPort("2379/tcp"))},
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		teardown()
		return nil, func() {}, errors.Wrap(err, "failed to create v3 client")
	}

	_, err = retry.Retry(
		func() error {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()

			_, err := client.Get(ctx, "__startup_test")
			return err
		},
		retry.Limit(60),
		retry.Backoff(backoff.Constant(500*time.Millisecond), time.Second),
	)
	if err != nil {
		client.Close()
		teardown()
		return nil, func() {}, errors.Wrap(err, "failed waiting for stable connection")
	}

	purge := teardown
	teardown = func() {
		client.Close()
		purge()
	}
	return client, teardown, nil
}
