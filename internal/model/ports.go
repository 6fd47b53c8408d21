package model

import (
	"context"
	"time"
)

// ── Port Interfaces ──
// These interfaces decouple the engine from concrete collaborators
// (login flow, Redis, SQLite). Each implementation satisfies one of them.

// AuthSource is the login collaborator. The engine reads the bearer token
// from it and never drives the login flow on its own.
type AuthSource interface {
	IsAuthenticated() bool
	AuthToken() string
}

// SnapshotStore persists the last good instrument universe so a cold start
// can serve lookups while the upstream scrip master is unreachable.
type SnapshotStore interface {
	// SaveInstruments replaces the stored snapshot.
	SaveInstruments(ctx context.Context, instruments []Instrument) error

	// LoadInstruments returns the stored snapshot and when it was saved.
	LoadInstruments(ctx context.Context) ([]Instrument, time.Time, error)

	// Close releases underlying resources.
	Close() error
}

// Publisher delivers scheduler output to real-time clients, either directly
// to the local broadcaster or through Redis to every gateway instance.
type Publisher interface {
	PublishQuotes(ctx context.Context, quotes []Quote) error
	PublishChain(ctx context.Context, update ChainUpdate) error
}

// ChainUpdate is one refreshed option chain. Source is the resolver's tag
// for where the legs came from; it travels with the legs so no consumer has
// to guess it.
type ChainUpdate struct {
	Underlying string      `json:"underlying"`
	Source     string      `json:"source"`
	Legs       []OptionLeg `json:"legs"`
}

// Redis channels carrying scheduler output between instances.
const (
	QuotesChannel      = "md:quotes"
	ChainChannelPrefix = "md:chain:"
)
