// Package kvstore wraps the shared key-value store used for telemetry
// deduplication and alert cooldown keys. Both concerns reduce to a
// single atomic SET NX EX, which is why they must live here and not in
// process memory: the worker pool runs multi-instance.
package kvstore

import (
	"context"
	"fmt"
	"time"

	"github.com/valkey-io/valkey-go"
)

type KVStore interface {
	Close()
	// SetNX sets the key only if it does not exist, with the supplied
	// TTL. Returns whether this call created the key.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	CheckHealth(ctx context.Context) error
}

type kvStore struct {
	client valkey.Client
}

func NewKVStore(hostname string, port uint, password string) (KVStore, error) {
	client, err := valkey.NewClient(valkey.ClientOption{
		InitAddress: []string{fmt.Sprintf("%s:%d", hostname, port)},
		Password:    password,
	})
	if err != nil {
		return nil, err
	}
	return &kvStore{client: client}, nil
}

func (s *kvStore) Close() {
	s.client.Close()
}

// Sets the key to value only if the key does Not eXist. Returns a boolean indicating if the value was updated by this call.
func (s *kvStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	builder := s.client.B().Set().Key(key).Value(valkey.BinaryString(value)).Nx()
	var cmd valkey.Completed
	if ttl > 0 {
		cmd = builder.ExSeconds(int64(ttl.Seconds())).Build()
	} else {
		cmd = builder.Build()
	}
	err := s.client.Do(ctx, cmd).Error()
	if err != nil {
		if err != valkey.Nil {
			return false, fmt.Errorf("failed storing key: %w", err)
		}
		return false, nil
	}
	return true, nil
}

// Gets the value for the specified key. A missing key returns nil, nil.
func (s *kvStore) Get(ctx context.Context, key string) ([]byte, error) {
	ret, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).AsBytes()
	if err == valkey.Nil {
		return nil, nil
	}
	return ret, err
}

func (s *kvStore) Delete(ctx context.Context, key string) error {
	err := s.client.Do(ctx, s.client.B().Del().Key(key).Build()).Error()
	if err != nil {
		return fmt.Errorf("failed deleting key: %w", err)
	}
	return nil
}

func (s *kvStore) CheckHealth(ctx context.Context) error {
	if err := s.client.Do(ctx, s.client.B().Ping().Build()).Error(); err != nil {
		return fmt.Errorf("kvstore ping: %w", err)
	}
	return nil
}
