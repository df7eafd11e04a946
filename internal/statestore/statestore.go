// Package statestore defines the StateStore contract: a key/value store
// with atomic compare-and-set plus pub/sub, sorted sets and presence sets.
// MatchRuntime snapshots, Matchmaker queues and connection presence all live
// here so multiple core instances can share ownership with sticky routing.
package statestore

import (
	"context"
	"errors"
	"time"
)

// ErrConflict is returned by CASSet when the stored version does not match
// the expected version — the caller has lost ownership of the key.
var ErrConflict = errors.New("statestore: version conflict")

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("statestore: not found")

// Entry is a value paired with the version it was written with.
type Entry struct {
	Value   []byte
	Version uint64
}

// Event is a message delivered to a Subscribe stream.
type Event struct {
	Topic   string
	Payload []byte
}

// ZMember is one element of a sorted set used by the Matchmaker's queues.
type ZMember struct {
	Score  float64
	Member string
}

// Predicate decides whether a popped ZMember should actually be removed and
// returned, or left in place (used for rating-bucket gated pops).
type Predicate func(member string, score float64) bool

// Store is the interface MatchRuntime, Matchmaker and SessionHub depend on.
// All methods may fail transiently. No caller in this module retries a
// failed call; the error is logged or returned as is.
type Store interface {
	Get(ctx context.Context, key string) (Entry, error)
	CASSet(ctx context.Context, key string, expectedVersion uint64, value []byte) (newVersion uint64, err error)
	Delete(ctx context.Context, key string) error

	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string) (<-chan Event, func(), error)

	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZRem(ctx context.Context, key string, member string) error
	// ZPopMinIf atomically pops the lowest-scored member satisfying pred, or
	// returns (ZMember{}, false, nil) if none qualifies.
	ZPopMinIf(ctx context.Context, key string, pred Predicate) (ZMember, bool, error)
	ZRange(ctx context.Context, key string, offset, count int64) ([]ZMember, error)

	SAdd(ctx context.Context, key string, member string) error
	SRem(ctx context.Context, key string, member string) error
	SMembers(ctx context.Context, key string) ([]string, error)

	// SetTTL applies an expiry to a key already written via CASSet (used for
	// the post-completion retention window).
	SetTTL(ctx context.Context, key string, ttl time.Duration) error
}
