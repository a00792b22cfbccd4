// Package redis provides a Redis-backed history store. Each run's history is
// a Redis list of encoded records plus a next-event-id key; appends run in a
// WATCH/MULTI transaction keyed on the next-event-id so concurrent writers
// observe a conflict instead of interleaving batches.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"goa.design/cascade/engine/event"
	"goa.design/cascade/engine/history"
)

const (
	defaultKeyPrefix = "cascade"
	defaultOpTimeout = 5 * time.Second
	storeName        = "history-redis"
)

type (
	// Options configures the Redis history store.
	Options struct {
		// Client is the Redis client. Required.
		Client redis.UniversalClient
		// KeyPrefix namespaces all keys. Defaults to "cascade".
		KeyPrefix string
		// Timeout bounds individual storage operations.
		Timeout time.Duration
	}

	// Store is a Redis-backed history.Store.
	Store struct {
		rdb     redis.UniversalClient
		prefix  string
		timeout time.Duration
	}
)

// New returns a Store backed by the given Redis client.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("redis client is required")
	}
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return &Store{rdb: opts.Client, prefix: prefix, timeout: timeout}, nil
}

func (s *Store) eventsKey(runID string) string { return fmt.Sprintf("%s:history:{%s}", s.prefix, runID) }
func (s *Store) nextKey(runID string) string   { return fmt.Sprintf("%s:next:{%s}", s.prefix, runID) }
func (s *Store) closedKey(runID string) string { return fmt.Sprintf("%s:closed:{%s}", s.prefix, runID) }

// AppendBatch implements history.Store.
func (s *Store) AppendBatch(ctx context.Context, runID string, expected int64, events []*event.Event) error {
	if err := history.Validate(expected, events); err != nil {
		return err
	}
	encoded := make([]any, 0, len(events))
	for _, e := range events {
		rec, err := event.EncodeRecord(e)
		if err != nil {
			return err
		}
		encoded = append(encoded, rec)
	}
	closing := events[len(events)-1].Kind().Closing()
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	txn := func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, s.nextKey(runID)).Int64()
		switch {
		case errors.Is(err, redis.Nil):
			cur = 1
		case err != nil:
			return err
		}
		if cur != expected {
			return history.ErrConflict
		}
		closed, err := tx.Exists(ctx, s.closedKey(runID)).Result()
		if err != nil {
			return err
		}
		if closed > 0 {
			return history.ErrClosed
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.RPush(ctx, s.eventsKey(runID), encoded...)
			pipe.Set(ctx, s.nextKey(runID), cur+int64(len(events)), 0)
			if closing {
				pipe.Set(ctx, s.closedKey(runID), 1, 0)
			}
			return nil
		})
		return err
	}
	err := s.rdb.Watch(ctx, txn, s.nextKey(runID))
	if errors.Is(err, redis.TxFailedErr) {
		return history.ErrConflict
	}
	return err
}

// ReadRange implements history.Store.
func (s *Store) ReadRange(ctx context.Context, runID string, from, to int64) ([]*event.Event, error) {
	if from < 1 {
		from = 1
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	stop := int64(-1)
	if to > 0 {
		stop = to - 1
	}
	raw, err := s.rdb.LRange(ctx, s.eventsKey(runID), from-1, stop).Result()
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		exists, err := s.rdb.Exists(ctx, s.eventsKey(runID)).Result()
		if err != nil {
			return nil, err
		}
		if exists == 0 {
			return nil, history.ErrNotFound
		}
		return nil, nil
	}
	out := make([]*event.Event, 0, len(raw))
	for _, r := range raw {
		e, err := event.DecodeRecord([]byte(r))
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// NextEventID implements history.Store.
func (s *Store) NextEventID(ctx context.Context, runID string) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cur, err := s.rdb.Get(ctx, s.nextKey(runID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, history.ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	return cur, nil
}

// DeleteRun implements history.Store.
func (s *Store) DeleteRun(ctx context.Context, runID string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.rdb.Del(ctx, s.eventsKey(runID), s.nextKey(runID), s.closedKey(runID)).Err()
}

// Name implements history.Store.
func (s *Store) Name() string { return storeName }

// Ping implements history.Store.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.rdb.Ping(ctx).Err()
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}
