// Package redis holds the Redis-backed pieces of the engine: the instrument
// snapshot store and the publisher that relays scheduler output to every
// gateway instance.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"marketdata-engine/internal/model"
)

// SnapshotKey is the hash holding the instrument snapshot.
const SnapshotKey = "md:instruments"

// Config configures the Redis connection.
type Config struct {
	Addr     string // Redis address, e.g. "localhost:6379"
	Password string
	DB       int
}

// Connect creates a client and pings the server.
func Connect(ctx context.Context, cfg Config) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

// SnapshotStore is a model.SnapshotStore kept in one Redis hash. The client
// is shared with the publisher and relay, so Close leaves it open.
type SnapshotStore struct {
	client *goredis.Client
	key    string
	log    *slog.Logger
	now    func() time.Time
}

var _ model.SnapshotStore = (*SnapshotStore)(nil)

func NewSnapshotStore(client *goredis.Client, logger *slog.Logger) *SnapshotStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &SnapshotStore{client: client, key: SnapshotKey, log: logger.With("component", "redis"), now: time.Now}
}

// Client returns the underlying Redis client for health checks.
func (s *SnapshotStore) Client() *goredis.Client { return s.client }

// SaveInstruments replaces the snapshot. The payload and its metadata are
// written by one HSET, so readers see either the old or the new snapshot.
func (s *SnapshotStore) SaveInstruments(ctx context.Context, instruments []model.Instrument) error {
	data, err := json.Marshal(instruments)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	start := time.Now()
	err = s.client.HSet(ctx, s.key,
		"data", data,
		"saved_at", s.now().UnixMilli(),
		"count", len(instruments),
	).Err()
	if err != nil {
		return fmt.Errorf("redis hset %s: %w", s.key, err)
	}
	s.log.Info("snapshot saved", "instruments", len(instruments), "bytes", len(data), "elapsed", time.Since(start))
	return nil
}

func (s *SnapshotStore) Close() error { return nil }
