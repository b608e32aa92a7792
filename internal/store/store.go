// Package store provides persistence for the hearthd core: the set of
// configured things, per-plugin configuration, and IO connections.
//
// The lifecycle engine is the only writer; it validates everything
// against the catalog before it reaches the store, so the store itself is
// dumb keyed storage. Each of the three logical stores persists to its
// own JSON file in the data directory.
package store

import (
	"context"

	"github.com/hearthd/hearthd/pkg/models"
)

// Store is the combined storage interface used by the core.
type Store interface {
	ThingStore
	PluginConfigStore
	IOConnectionStore

	// Close flushes pending writes and releases resources.
	Close() error
}

// ── Thing Store ─────────────────────────────────────────────

// ThingStore owns the set of configured things.
//
// Add, Update and Remove flush to disk synchronously and report the
// flush error, so callers can abort and roll back. SetStateValue flushes
// lazily (debounced) and only for cached states.
type ThingStore interface {
	AddThing(ctx context.Context, thing *models.Thing) error
	UpdateThing(ctx context.Context, thing *models.Thing) error
	RemoveThing(ctx context.Context, id string) error
	GetThing(ctx context.Context, id string) (*models.Thing, error)
	ListThings(ctx context.Context) ([]*models.Thing, error)
	ListChildren(ctx context.Context, parentID string) ([]*models.Thing, error)
	ListThingsByClass(ctx context.Context, thingClassID string) ([]*models.Thing, error)

	// SetStateValue records a state entry on a thing. When cached is true
	// the change is scheduled for persistence.
	SetStateValue(ctx context.Context, thingID string, state models.State, cached bool) error

	// SetStateMinValue, SetStateMaxValue and SetStateAllowedValues record
	// per-thing bound overrides on a state entry. Nil (or empty) clears
	// the override so the state type's own bounds apply again.
	SetStateMinValue(ctx context.Context, thingID, stateTypeID string, min *float64) error
	SetStateMaxValue(ctx context.Context, thingID, stateTypeID string, max *float64) error
	SetStateAllowedValues(ctx context.Context, thingID, stateTypeID string, values []interface{}) error

	// QuarantineThing hides a thing from ListThings while keeping it in
	// storage, so a later plugin reload can recover it. RestoreThing
	// undoes it.
	QuarantineThing(ctx context.Context, id string) error
	RestoreThing(ctx context.Context, id string) error
	ListQuarantinedThings(ctx context.Context) ([]*models.Thing, error)
}

// ── Plugin Configuration Store ──────────────────────────────

type PluginConfigStore interface {
	PluginConfiguration(ctx context.Context, pluginID string) (models.ParamList, error)
	SetPluginConfiguration(ctx context.Context, pluginID string, config models.ParamList) error
}

// ── IO Connection Store ─────────────────────────────────────

type IOConnectionStore interface {
	AddIOConnection(ctx context.Context, conn *models.IOConnection) error
	RemoveIOConnection(ctx context.Context, id string) error
	GetIOConnection(ctx context.Context, id string) (*models.IOConnection, error)
	ListIOConnections(ctx context.Context) ([]*models.IOConnection, error)
}

// ── Errors ──────────────────────────────────────────────────

// ErrNotFound is returned when a requested entity does not exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}
