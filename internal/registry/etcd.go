package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/terminal-bench/gridtrust/pkg/circuit"
)

const devicePrefix = "gridtrust/devices/"

// deviceRecord is the JSON document the registration service keeps per device.
type deviceRecord struct {
	ID           string `json:"id"`
	Type         string `json:"type"`
	Location     string `json:"location"`
	Active       bool   `json:"active"`
	RegisteredAt int64  `json:"registered_at"`
}

// EtcdRegistry reads device records maintained by the external registration
// service out of etcd. Lookups run behind a circuit breaker so a registry
// outage degrades into fast submission failures instead of piled-up requests.
type EtcdRegistry struct {
	client  *clientv3.Client
	breaker *circuit.Breaker
	timeout time.Duration
}

// EtcdConfig holds etcd registry configuration
type EtcdConfig struct {
	Endpoints      []string
	DialTimeout    time.Duration
	RequestTimeout time.Duration
}

// NewEtcdRegistry connects to etcd and returns a registry client.
func NewEtcdRegistry(cfg EtcdConfig) (*EtcdRegistry, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}

	timeout := cfg.RequestTimeout
	if timeout == 0 {
		timeout = 3 * time.Second
	}

	return &EtcdRegistry{
		client: client,
		breaker: circuit.NewBreaker(circuit.Config{
			Name:        "device-registry",
			MaxFailures: 5,
			Timeout:     30 * time.Second,
			HalfOpenMax: 3,
		}),
		timeout: timeout,
	}, nil
}

func (r *EtcdRegistry) IsKnownAndActive(ctx context.Context, deviceID string) (bool, error) {
	var active bool

	err := r.breaker.Execute(ctx, func() error {
		reqCtx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()

		resp, err := r.client.Get(reqCtx, devicePrefix+deviceID)
		if err != nil {
			return fmt.Errorf("failed to look up device: %w", err)
		}
		if len(resp.Kvs) == 0 {
			return nil
		}

		var rec deviceRecord
		if err := json.Unmarshal(resp.Kvs[0].Value, &rec); err != nil {
			return fmt.Errorf("failed to decode device record: %w", err)
		}
		active = rec.Active
		return nil
	})
	if err != nil {
		return false, err
	}

	return active, nil
}

// Close closes the etcd client.
func (r *EtcdRegistry) Close() error {
	return r.client.Close()
}
