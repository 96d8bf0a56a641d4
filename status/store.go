// Package status publishes per-camera observability records to Redis.
// The core only ever writes here; nothing reads these keys for
// correctness, so every operation is best-effort with a short deadline.
package status

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"camera-core-server/core"
)

const writeTimeout = 500 * time.Millisecond

// Store writes camera state to a Redis instance.
type Store struct {
	rdb *redis.Client
	ttl time.Duration
	log zerolog.Logger
}

// New connects a status store. ttl bounds how long a record outlives
// its last write.
func New(addr string, ttl time.Duration, log zerolog.Logger) *Store {
	return &Store{
		rdb: redis.NewClient(&redis.Options{Addr: addr}),
		ttl: ttl,
		log: log.With().Str("component", "status").Logger(),
	}
}

// Ping verifies the connection at startup.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Close releases the client.
func (s *Store) Close() error { return s.rdb.Close() }

func (s *Store) PutState(id string, rec core.StateRecord) {
	s.set("cam:"+id+":state", rec)
}

func (s *Store) PutStatus(id string, rec core.StatusRecord) {
	s.set("cam:"+id+":status", rec)
}

func (s *Store) PutDebug(id string, rec core.DebugRecord) {
	s.set("camera_debug:"+id, rec)
}

func (s *Store) set(key string, rec any) {
	data, err := json.Marshal(rec)
	if err != nil {
		s.log.Debug().Err(err).Str("key", key).Msg("marshal failed")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := s.rdb.Set(ctx, key, data, s.ttl).Err(); err != nil {
		s.log.Debug().Err(err).Str("key", key).Msg("status write failed")
	}
}
