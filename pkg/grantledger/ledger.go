// Package grantledger is the durable, append-only record of bootstrap grants.
// It is the only state shared between eligibility computations, and every
// rule that has to hold across concurrent callers (one grant per address and
// program, a bounded number of grants per trailing window) is enforced by the
// backing store rather than in process memory.
package grantledger

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
)

// GrantEvent records one bootstrap grant. Events are never updated or removed.
type GrantEvent struct {
	Key       string    `json:"key"`
	Address   string    `json:"address"`
	ProgramID string    `json:"programId"`
	Points    uint64    `json:"points"`
	GrantedAt time.Time `json:"grantedAt"`
}

// ReserveStatus is the outcome of a conditional append.
type ReserveStatus int

const (
	// Reserved means the event was appended and counts against the window.
	Reserved ReserveStatus = iota
	// Duplicate means an event with the same key already exists. Nothing was written.
	Duplicate
	// RateLimited means the window already holds max events. Nothing was written.
	RateLimited
)

func (s ReserveStatus) String() string {
	switch s {
	case Reserved:
		return "reserved"
	case Duplicate:
		return "duplicate"
	case RateLimited:
		return "rate_limited"
	default:
		return "unknown"
	}
}

var (
	// ErrDuplicate is returned by Append when the event key already exists.
	ErrDuplicate = errors.New("grant event already recorded")
	// ErrInvalidEvent is returned for events missing a key or address.
	ErrInvalidEvent = errors.New("invalid grant event")
)

// Ledger is implemented by RedisLedger and SQLLedger.
type Ledger interface {
	// Recent returns the events granted within the trailing window, oldest first.
	Recent(ctx context.Context, window time.Duration) ([]GrantEvent, error)
	// Append records event unconditionally unless its key already exists.
	Append(ctx context.Context, event GrantEvent) error
	// Reserve appends event only if its key is new and fewer than max events
	// fall in the trailing window. The check and the write are atomic across
	// every process sharing the store.
	Reserve(ctx context.Context, event GrantEvent, window time.Duration, max int) (ReserveStatus, error)
	Health(ctx context.Context) error
	Close() error
}

// KeyFor derives the stable idempotency key for a grant of programID to
// address. The same pair always yields the same key, in any process.
func KeyFor(programID, address string) string {
	normalized := strings.TrimSpace(programID) + "|" + strings.ToLower(strings.TrimSpace(address))
	return crypto.Keccak256Hash([]byte("autogrant|" + normalized)).Hex()
}

func prepare(event GrantEvent, now func() time.Time) (GrantEvent, error) {
	event.Address = strings.ToLower(strings.TrimSpace(event.Address))
	if event.Key == "" || event.Address == "" {
		return event, ErrInvalidEvent
	}
	if event.GrantedAt.IsZero() {
		event.GrantedAt = now()
	}
	event.GrantedAt = event.GrantedAt.UTC()
	return event, nil
}
