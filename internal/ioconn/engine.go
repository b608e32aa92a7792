// Package ioconn implements IO connections: standing links that pipe an
// input state of one thing into a writable output state of another,
// optionally inverted.
//
// Digital connects to digital (bool to bool), analog to analog (bounded
// numeric to bounded numeric, rescaled across the bounds). Propagation
// rides the event bus: every StateChanged on a connected input schedules
// a write to the output through the regular action path, so the output's
// plugin sees an ordinary command. A propagation whose mapped value
// already matches the output's current value is skipped, which is what
// keeps connection cycles from oscillating.
package ioconn

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/hearthd/hearthd/internal/catalog"
	"github.com/hearthd/hearthd/internal/events"
	"github.com/hearthd/hearthd/internal/lifecycle"
	"github.com/hearthd/hearthd/internal/store"
	"github.com/hearthd/hearthd/pkg/models"
	"github.com/rs/zerolog/log"
)

// Engine manages the IO connection table and drives propagation.
type Engine struct {
	core  *lifecycle.Engine
	store store.IOConnectionStore
	bus   *events.Bus

	unsubscribe func()
}

// Result is the reply of a connection mutation.
type Result struct {
	Error          models.ThingError
	DisplayMessage string
	ConnectionID   string
}

func errResult(err models.ThingError, msg string) Result {
	return Result{Error: err, DisplayMessage: msg}
}

// NewEngine creates the IO connection engine.
func NewEngine(core *lifecycle.Engine, st store.IOConnectionStore, bus *events.Bus) *Engine {
	return &Engine{core: core, store: st, bus: bus}
}

// Start subscribes to the bus and propagates the current input values of
// all persisted connections once, so outputs converge after a restart.
func (e *Engine) Start(ctx context.Context) {
	e.unsubscribe = e.bus.Subscribe(e.onNotification)

	conns, err := e.store.ListIOConnections(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to load IO connections")
		return
	}
	for _, conn := range conns {
		e.propagateFromInput(conn)
	}
	log.Info().Int("count", len(conns)).Msg("IO connections loaded")
}

// Stop detaches the engine from the bus.
func (e *Engine) Stop() {
	if e.unsubscribe != nil {
		e.unsubscribe()
	}
}

// Connections returns all IO connections.
func (e *Engine) Connections(ctx context.Context) []*models.IOConnection {
	conns, err := e.store.ListIOConnections(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list IO connections")
		return nil
	}
	return conns
}

// Connect creates an IO connection after checking both endpoints:
// the input state must exist, the output state must exist and be
// writable, both must be digital or both analog, and a state may not be
// connected to itself. The new connection propagates immediately.
func (e *Engine) Connect(ctx context.Context, conn models.IOConnection) Result {
	if conn.InputThingID == conn.OutputThingID && conn.InputStateTypeID == conn.OutputStateTypeID {
		return errResult(models.ThingErrorInvalidParameter, "cannot connect a state to itself")
	}

	_, inClass, terr := e.core.FindThing(ctx, conn.InputThingID)
	if !terr.OK() {
		return errResult(terr, "input thing not found")
	}
	inState := inClass.StateType(conn.InputStateTypeID)
	if inState == nil {
		return errResult(models.ThingErrorStateTypeNotFound, "input state type not found")
	}

	_, outClass, terr := e.core.FindThing(ctx, conn.OutputThingID)
	if !terr.OK() {
		return errResult(terr, "output thing not found")
	}
	outState := outClass.StateType(conn.OutputStateTypeID)
	if outState == nil {
		return errResult(models.ThingErrorStateTypeNotFound, "output state type not found")
	}
	if !outState.Writable {
		return errResult(models.ThingErrorInvalidParameter, "output state is not writable")
	}

	switch {
	case inState.Digital() && outState.Digital():
	case inState.Analog() && outState.Analog():
	default:
		return errResult(models.ThingErrorInvalidParameter, "input and output states must both be digital or both be analog")
	}

	conn.ID = uuid.New().String()
	stored := conn
	if err := e.store.AddIOConnection(ctx, &stored); err != nil {
		log.Error().Err(err).Msg("Failed to persist IO connection")
		return errResult(models.ThingErrorHardwareFailure, "failed to persist connection")
	}
	e.bus.Publish(events.Notification{Name: events.IOConnectionAdded, Params: stored})

	e.propagateFromInput(&stored)

	log.Info().
		Str("connection", stored.ID).
		Str("inputThing", stored.InputThingID).
		Str("outputThing", stored.OutputThingID).
		Bool("inverted", stored.Inverted).
		Msg("IO connection created")
	return Result{Error: models.ThingErrorNoError, ConnectionID: stored.ID}
}

// Disconnect removes an IO connection.
func (e *Engine) Disconnect(ctx context.Context, connectionID string) Result {
	conn, err := e.store.GetIOConnection(ctx, connectionID)
	if err != nil {
		return errResult(models.ThingErrorThingNotFound, "IO connection not found")
	}
	if err := e.store.RemoveIOConnection(ctx, connectionID); err != nil {
		log.Error().Err(err).Str("connection", connectionID).Msg("Failed to remove IO connection")
		return errResult(models.ThingErrorHardwareFailure, "failed to remove connection")
	}
	e.bus.Publish(events.Notification{Name: events.IOConnectionRemoved, Params: events.ThingRemoval{ThingID: conn.ID}})
	log.Info().Str("connection", connectionID).Msg("IO connection removed")
	return Result{Error: models.ThingErrorNoError}
}

// onNotification reacts to state changes on connected inputs and to
// thing removals. It runs synchronously on the publisher, so actual
// propagation is handed off to a goroutine.
func (e *Engine) onNotification(n events.Notification) {
	switch n.Name {
	case events.StateChanged:
		sc, ok := n.Params.(events.StateChange)
		if !ok {
			return
		}
		conns, err := e.store.ListIOConnections(context.Background())
		if err != nil {
			return
		}
		for _, conn := range conns {
			if conn.InputThingID == sc.ThingID && conn.InputStateTypeID == sc.StateTypeID {
				go e.propagate(conn, sc.Value)
			}
		}
	case events.ThingRemoved:
		removal, ok := n.Params.(events.ThingRemoval)
		if !ok {
			return
		}
		e.dropConnectionsFor(removal.ThingID)
	}
}

// dropConnectionsFor removes every connection referencing the thing.
// Runs when a thing is removed; connections never outlive an endpoint.
func (e *Engine) dropConnectionsFor(thingID string) {
	conns, err := e.store.ListIOConnections(context.Background())
	if err != nil {
		return
	}
	for _, conn := range conns {
		if conn.InputThingID != thingID && conn.OutputThingID != thingID {
			continue
		}
		if err := e.store.RemoveIOConnection(context.Background(), conn.ID); err != nil {
			log.Error().Err(err).Str("connection", conn.ID).Msg("Failed to remove IO connection for removed thing")
			continue
		}
		e.bus.Publish(events.Notification{Name: events.IOConnectionRemoved, Params: events.ThingRemoval{ThingID: conn.ID}})
		log.Info().Str("connection", conn.ID).Str("thing", thingID).Msg("IO connection removed with thing")
	}
}

// propagateFromInput reads the input's current value and propagates it.
func (e *Engine) propagateFromInput(conn *models.IOConnection) {
	thing, _, terr := e.core.FindThing(context.Background(), conn.InputThingID)
	if !terr.OK() {
		return
	}
	state := thing.State(conn.InputStateTypeID)
	if state == nil || state.Value == nil {
		return
	}
	go e.propagate(conn, state.Value)
}

// propagate maps the input value onto the output state and writes it via
// the output's synthetic set action. No-op when the output already holds
// the mapped value.
func (e *Engine) propagate(conn *models.IOConnection, inputValue interface{}) {
	_, inClass, terr := e.core.FindThing(context.Background(), conn.InputThingID)
	if !terr.OK() {
		return
	}
	outThing, outClass, terr := e.core.FindThing(context.Background(), conn.OutputThingID)
	if !terr.OK() {
		return
	}
	inState := inClass.StateType(conn.InputStateTypeID)
	outState := outClass.StateType(conn.OutputStateTypeID)
	if inState == nil || outState == nil {
		return
	}

	var mapped interface{}
	switch {
	case inState.Digital():
		b, ok := inputValue.(bool)
		if !ok {
			return
		}
		mapped = b != conn.Inverted
	case inState.Analog():
		mapped = mapAnalog(inState, outState, catalog.AsFloat(inputValue), conn.Inverted)
	default:
		return
	}

	if current := outThing.State(conn.OutputStateTypeID); current != nil {
		if fmt.Sprint(current.Value) == fmt.Sprint(mapped) {
			return // already converged, breaks connection cycles
		}
	}

	res := e.core.ExecuteAction(context.Background(), models.Action{
		ThingID:      conn.OutputThingID,
		ActionTypeID: conn.OutputStateTypeID,
		Params:       models.ParamList{{ParamTypeID: conn.OutputStateTypeID, Value: mapped}},
	})
	if !res.Error.OK() {
		log.Warn().
			Str("connection", conn.ID).
			Str("outputThing", conn.OutputThingID).
			Str("status", string(res.Error)).
			Msg("IO propagation failed")
	}
}

// mapAnalog rescales an input value across the output's bounds:
// normalize into [0,1] over the input range, clip, invert if requested,
// then scale into the output range.
func mapAnalog(in, out *models.StateType, value float64, inverted bool) float64 {
	inMin, inMax := *in.MinValue, *in.MaxValue
	norm := 0.0
	if inMax > inMin {
		norm = (value - inMin) / (inMax - inMin)
	}
	if norm < 0 {
		norm = 0
	}
	if norm > 1 {
		norm = 1
	}
	if inverted {
		norm = 1 - norm
	}
	outMin, outMax := *out.MinValue, *out.MaxValue
	return outMin + norm*(outMax-outMin)
}
