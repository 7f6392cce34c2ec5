package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/najoast/orb/core"
	"github.com/najoast/orb/locator"
	"github.com/najoast/orb/protocol"
)

// RedisClient captures the subset of go-redis commands the store relies on.
type RedisClient interface {
	HSet(ctx context.Context, key string, values ...any) *redis.IntCmd
	HGet(ctx context.Context, key, field string) *redis.StringCmd
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
	HDel(ctx context.Context, key string, fields ...string) *redis.IntCmd
	Close() error
}

// RedisConfig describes how the Redis store connects
type RedisConfig struct {
	// Client is used when set; otherwise a client for Addr is created
	// and closed with the store
	Client RedisClient
	Addr   string

	// Prefix namespaces the keys
	Prefix string
}

// Redis is a Store kept in two Redis hashes: adapters by id, holding
// CBOR-encoded AdapterInfo, and objects by identity, holding adapter ids.
type Redis struct {
	client    RedisClient
	ownClient bool
	adapters  string
	objects   string
	now       func() time.Time
}

// NewRedis creates a Redis store
func NewRedis(cfg RedisConfig) (*Redis, error) {
	if cfg.Prefix == "" {
		cfg.Prefix = "orb"
	}

	client, own := cfg.Client, false
	if client == nil {
		if cfg.Addr == "" {
			return nil, errors.New("redis address not configured")
		}
		client, own = redis.NewClient(&redis.Options{Addr: cfg.Addr}), true
	}

	return &Redis{
		client:    client,
		ownClient: own,
		adapters:  cfg.Prefix + ":adapters",
		objects:   cfg.Prefix + ":objects",
		now:       time.Now,
	}, nil
}

// FindAdapterByID implements locator.Directory
func (r *Redis) FindAdapterByID(ctx context.Context, adapterID string) ([]core.Endpoint, error) {
	data, err := r.client.HGet(ctx, r.adapters, adapterID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", locator.ErrAdapterNotFound, adapterID)
	}
	if err != nil {
		return nil, fmt.Errorf("find adapter %s: %w", adapterID, err)
	}
	info, err := decodeAdapterInfo(data)
	if err != nil {
		return nil, err
	}
	return info.Endpoints, nil
}

// FindReplicaGroupByID implements locator.Directory
func (r *Redis) FindReplicaGroupByID(ctx context.Context, groupID string) ([][]core.Endpoint, error) {
	adapters, err := r.Adapters(ctx)
	if err != nil {
		return nil, err
	}
	return groupSets(adapters, groupID)
}

// FindObjectByID implements locator.Directory
func (r *Redis) FindObjectByID(ctx context.Context, id core.Identity) (core.Reference, error) {
	adapterID, err := r.client.HGet(ctx, r.objects, id.String()).Result()
	if errors.Is(err, redis.Nil) {
		return core.Reference{}, fmt.Errorf("%w: %s", locator.ErrObjectNotFound, id)
	}
	if err != nil {
		return core.Reference{}, fmt.Errorf("find object %s: %w", id, err)
	}
	return core.NewIndirectReference(id, adapterID)
}

// RegisterAdapter implements locator.Registry
func (r *Redis) RegisterAdapter(ctx context.Context, adapterID, groupID string, endpoints []core.Endpoint) error {
	if err := validateAdapter(adapterID, endpoints); err != nil {
		return err
	}
	data, err := protocol.Marshal(AdapterInfo{
		AdapterID:      adapterID,
		ReplicaGroupID: groupID,
		Endpoints:      endpoints,
		RegisteredAt:   r.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode adapter %s: %w", adapterID, err)
	}
	if err := r.client.HSet(ctx, r.adapters, adapterID, string(data)).Err(); err != nil {
		return fmt.Errorf("register adapter %s: %w", adapterID, err)
	}
	return nil
}

// UnregisterAdapter implements locator.Registry. Unknown ids are ignored.
func (r *Redis) UnregisterAdapter(ctx context.Context, adapterID string) error {
	if err := r.client.HDel(ctx, r.adapters, adapterID).Err(); err != nil {
		return fmt.Errorf("unregister adapter %s: %w", adapterID, err)
	}
	return nil
}

// RegisterObject implements locator.Registry
func (r *Redis) RegisterObject(ctx context.Context, id core.Identity, adapterID string) error {
	if err := validateObject(id, adapterID); err != nil {
		return err
	}
	if err := r.client.HSet(ctx, r.objects, id.String(), adapterID).Err(); err != nil {
		return fmt.Errorf("register object %s: %w", id, err)
	}
	return nil
}

// UnregisterObject implements Store
func (r *Redis) UnregisterObject(ctx context.Context, id core.Identity) error {
	if err := r.client.HDel(ctx, r.objects, id.String()).Err(); err != nil {
		return fmt.Errorf("unregister object %s: %w", id, err)
	}
	return nil
}

// Adapters implements Store
func (r *Redis) Adapters(ctx context.Context) ([]AdapterInfo, error) {
	all, err := r.client.HGetAll(ctx, r.adapters).Result()
	if err != nil {
		return nil, fmt.Errorf("list adapters: %w", err)
	}
	out := make([]AdapterInfo, 0, len(all))
	for _, data := range all {
		info, err := decodeAdapterInfo(data)
		if err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	sortAdapters(out)
	return out, nil
}

// Close implements Store. A client passed in RedisConfig is left open.
func (r *Redis) Close() error {
	if r.ownClient {
		return r.client.Close()
	}
	return nil
}

func decodeAdapterInfo(data string) (AdapterInfo, error) {
	var info AdapterInfo
	if err := protocol.Unmarshal([]byte(data), &info); err != nil {
		return AdapterInfo{}, fmt.Errorf("decode adapter record: %w", err)
	}
	return info, nil
}
