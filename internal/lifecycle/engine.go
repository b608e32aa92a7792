// Package lifecycle implements the thing lifecycle engine: the state
// machine that takes a thing from add/discover/pair through setup into
// the store, and through reconfigure/edit/remove back out.
//
// The engine owns the core dispatcher: a single mailbox drained by one
// goroutine. Every catalog and store mutation happens on the dispatcher,
// which gives the rest of the system sequential consistency without
// fine-grained locking. Plugins run on their own queues and report back
// by finishing Info handles or raising host signals; both paths post
// onto the mailbox.
package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hearthd/hearthd/internal/catalog"
	"github.com/hearthd/hearthd/internal/config"
	"github.com/hearthd/hearthd/internal/events"
	"github.com/hearthd/hearthd/internal/plugins"
	"github.com/hearthd/hearthd/internal/store"
	"github.com/hearthd/hearthd/pkg/models"
	"github.com/rs/zerolog/log"
)

// RemovePolicy is the per-rule resolution a client supplies when removing
// a thing that rules depend on.
type RemovePolicy string

const (
	RemovePolicyCascade    RemovePolicy = "Cascade"
	RemovePolicyUpdateRule RemovePolicy = "UpdateRule"
)

// RuleConsumer is the rule-engine collaborator consulted during
// RemoveThing. It is expected to answer synchronously and quickly.
type RuleConsumer interface {
	// DependentRules returns the ids of rules referencing the thing.
	DependentRules(thingID string) []string

	// ResolveRemoval applies the supplied policies and returns the rule
	// ids that remain unresolved. An empty return permits the removal.
	ResolveRemoval(thingID string, policies map[string]RemovePolicy) []string
}

// NoopRuleConsumer permits every removal. Used when no rule engine is
// attached.
type NoopRuleConsumer struct{}

func (NoopRuleConsumer) DependentRules(string) []string                          { return nil }
func (NoopRuleConsumer) ResolveRemoval(string, map[string]RemovePolicy) []string { return nil }

// ── Results ─────────────────────────────────────────────────

// Result is the common tail of every engine reply.
type Result struct {
	Error          models.ThingError
	DisplayMessage string
}

func errResult(err models.ThingError, msg ...string) Result {
	r := Result{Error: err}
	if len(msg) > 0 {
		r.DisplayMessage = msg[0]
	}
	return r
}

func okResult() Result { return Result{Error: models.ThingErrorNoError} }

// DiscoverResult carries discovery descriptors.
type DiscoverResult struct {
	Result
	Descriptors []models.ThingDescriptor
}

// AddResult carries the id of a newly configured thing.
type AddResult struct {
	Result
	ThingID string
}

// RemoveResult carries unresolved rule ids when removal is blocked.
type RemoveResult struct {
	Result
	RuleIDs []string
}

// BrowseItemsResult carries browser items.
type BrowseItemsResult struct {
	Result
	Items []models.BrowserItem
}

// BrowserItemResult carries a single resolved browser item.
type BrowserItemResult struct {
	Result
	Item *models.BrowserItem
}

// ── Engine ──────────────────────────────────────────────────

// Engine orchestrates the thing lifecycle.
type Engine struct {
	cfg   *config.Config
	cat   *catalog.Catalog
	store store.Store
	host  *plugins.Host
	bus   *events.Bus
	rules RuleConsumer

	mailbox chan func()
	done    chan struct{}
	wg      sync.WaitGroup

	// Dispatcher-owned state. Only touched from the mailbox goroutine.
	children    map[string]map[string]struct{} // parentID → child ids
	descriptors map[string]descriptorEntry     // discovery results by descriptor id
	pairings    map[string]*models.PairingTransaction
}

type descriptorEntry struct {
	descriptor models.ThingDescriptor
	createdAt  time.Time
}

// NewEngine creates the lifecycle engine and installs its signal sinks on
// the host. Call Start to revive persisted things and begin dispatching.
func NewEngine(cfg *config.Config, cat *catalog.Catalog, st store.Store, host *plugins.Host, bus *events.Bus, rules RuleConsumer) *Engine {
	if rules == nil {
		rules = NoopRuleConsumer{}
	}
	e := &Engine{
		cfg:         cfg,
		cat:         cat,
		store:       st,
		host:        host,
		bus:         bus,
		rules:       rules,
		mailbox:     make(chan func(), 256),
		done:        make(chan struct{}),
		children:    make(map[string]map[string]struct{}),
		descriptors: make(map[string]descriptorEntry),
		pairings:    make(map[string]*models.PairingTransaction),
	}
	host.SetSignalSinks(plugins.SignalSinks{
		ThingsAppeared:     e.onThingsAppeared,
		ThingDisappeared:   e.onThingDisappeared,
		Event:              e.onPluginEvent,
		StateValue:         e.onPluginStateValue,
		StateMinValue:      e.onStateMinValue,
		StateMaxValue:      e.onStateMaxValue,
		StateAllowedValues: e.onStateAllowedValues,
	})
	return e
}

// Start launches the dispatcher, revives persisted things and tells
// plugins to begin monitoring auto things.
func (e *Engine) Start(ctx context.Context) {
	e.wg.Add(1)
	go e.run()

	e.do(func() { e.reviveThings(ctx) })
	e.host.StartMonitoringAutoThings()

	e.wg.Add(1)
	go e.sweepLoop()
}

// Stop drains the dispatcher. Pending plugin results are discarded.
func (e *Engine) Stop() {
	close(e.done)
	e.wg.Wait()
}

// run drains the mailbox. The dispatcher never blocks: every wait on a
// plugin result happens in a side goroutine that posts a continuation.
func (e *Engine) run() {
	defer e.wg.Done()
	for {
		select {
		case fn := <-e.mailbox:
			fn()
		case <-e.done:
			return
		}
	}
}

// post schedules fn on the dispatcher.
func (e *Engine) post(fn func()) {
	select {
	case e.mailbox <- fn:
	case <-e.done:
	}
}

// do runs fn on the dispatcher and waits for it.
func (e *Engine) do(fn func()) {
	ch := make(chan struct{})
	e.post(func() {
		fn()
		close(ch)
	})
	select {
	case <-ch:
	case <-e.done:
	}
}

// await delivers a posted operation's result to the public caller, or
// fallback once the engine has stopped and the result can no longer
// arrive. A result that is already buffered wins over shutdown.
func await[T any](done <-chan struct{}, resCh <-chan T, fallback T) T {
	select {
	case res := <-resCh:
		return res
	case <-done:
		select {
		case res := <-resCh:
			return res
		default:
			return fallback
		}
	}
}

func abortedResult() Result {
	return errResult(models.ThingErrorAborted, "core is shutting down")
}

// sweepLoop expires pairing transactions and stale discovery descriptors.
func (e *Engine) sweepLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.Pairing.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.post(e.sweepExpired)
		case <-e.done:
			return
		}
	}
}

// ── Startup revival ─────────────────────────────────────────

// reviveThings loads persisted things and drives each through setup
// again. Things referencing classes no plugin provides are quarantined;
// previously quarantined things whose class reappeared are restored.
func (e *Engine) reviveThings(ctx context.Context) {
	quarantined, err := e.store.ListQuarantinedThings(ctx)
	if err == nil {
		for _, t := range quarantined {
			if e.cat.FindThingClass(t.ThingClassID) != nil {
				if err := e.store.RestoreThing(ctx, t.ID); err != nil {
					log.Error().Err(err).Str("thing", t.ID).Msg("Failed to restore quarantined thing")
				} else {
					log.Info().Str("thing", t.ID).Str("name", t.Name).Msg("Recovered quarantined thing")
				}
			}
		}
	}

	things, err := e.store.ListThings(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to load things")
		return
	}

	for _, t := range things {
		tc := e.cat.FindThingClass(t.ThingClassID)
		if tc == nil {
			log.Warn().Str("thing", t.ID).Str("class", t.ThingClassID).Msg("Thing references unknown class, quarantining")
			if err := e.store.QuarantineThing(ctx, t.ID); err != nil {
				log.Error().Err(err).Str("thing", t.ID).Msg("Failed to quarantine thing")
			}
			continue
		}

		e.indexChild(t)
		e.seedStates(t, tc, true)
		t.SetupStatus = models.SetupStatusInProgress
		if err := e.store.UpdateThing(ctx, t); err != nil {
			log.Error().Err(err).Str("thing", t.ID).Msg("Failed to persist revived thing")
		}

		thing := t
		e.dispatchSetup(thing, tc, false, false, func(status models.ThingError, msg string) {
			e.completeRevival(thing.ID, status)
		})
	}
}

func (e *Engine) completeRevival(thingID string, status models.ThingError) {
	t, err := e.store.GetThing(context.Background(), thingID)
	if err != nil {
		return // removed while setting up
	}
	tc := e.cat.FindThingClass(t.ThingClassID)
	if status.OK() {
		t.SetupStatus = models.SetupStatusComplete
		t.SetupError = ""
	} else {
		t.SetupStatus = models.SetupStatusFailed
		t.SetupError = status
	}
	if err := e.store.UpdateThing(context.Background(), t); err != nil {
		log.Error().Err(err).Str("thing", t.ID).Msg("Failed to persist setup status")
	}
	e.bus.Publish(events.Notification{Name: events.ThingChanged, Params: t})

	if status.OK() && tc != nil {
		e.host.Call(tc.PluginID, func(p plugins.Plugin) { p.PostSetupThing(t.Clone()) })
	}
	log.Info().Str("thing", t.ID).Str("name", t.Name).Str("status", string(t.SetupStatus)).Msg("Thing revived")
}

// ── Discovery ───────────────────────────────────────────────

// DiscoverThings asks the class's plugin to discover reachable things.
// Descriptors matching an already configured thing are tagged with its
// thing id so clients can offer reconfigure-by-discovery.
func (e *Engine) DiscoverThings(ctx context.Context, thingClassID string, params models.ParamList) DiscoverResult {
	resCh := make(chan DiscoverResult, 1)
	e.post(func() { e.discoverThings(ctx, thingClassID, params, resCh) })
	return await(e.done, resCh, DiscoverResult{Result: abortedResult()})
}

func (e *Engine) discoverThings(ctx context.Context, thingClassID string, params models.ParamList, resCh chan<- DiscoverResult) {
	tc := e.cat.FindThingClass(thingClassID)
	if tc == nil {
		resCh <- DiscoverResult{Result: errResult(models.ThingErrorThingClassNotFound)}
		return
	}
	if !tc.HasCreateMethod(models.CreateMethodDiscovery) {
		resCh <- DiscoverResult{Result: errResult(models.ThingErrorCreationMethodNotSupported)}
		return
	}
	normalized, perr := catalog.ValidateParams(tc.DiscoveryParamTypes, params)
	if perr != nil {
		resCh <- DiscoverResult{Result: errResult(perr.Code, perr.Message)}
		return
	}

	info := plugins.NewDiscoveryInfo(thingClassID, normalized, e.cfg.Timeouts.Discovery)
	if !e.host.Call(tc.PluginID, func(p plugins.Plugin) { p.DiscoverThings(info) }) {
		resCh <- DiscoverResult{Result: errResult(models.ThingErrorPluginNotFound)}
		return
	}

	go func() {
		<-info.Done()
		e.post(func() {
			if !info.Status().OK() {
				resCh <- DiscoverResult{Result: errResult(info.Status(), info.DisplayMessage())}
				return
			}
			descriptors := info.ThingDescriptors()
			for i := range descriptors {
				d := &descriptors[i]
				if d.ID == "" {
					d.ID = uuid.New().String()
				}
				d.ThingClassID = thingClassID
				if d.ThingID == "" {
					d.ThingID = e.matchConfiguredThing(thingClassID, d.Params)
				}
				e.descriptors[d.ID] = descriptorEntry{descriptor: *d, createdAt: time.Now()}
			}
			resCh <- DiscoverResult{Result: Result{Error: models.ThingErrorNoError, DisplayMessage: info.DisplayMessage()}, Descriptors: descriptors}
		})
	}()
}

// matchConfiguredThing returns the id of a configured thing of the class
// whose params cover the descriptor's, or "". Configured things carry
// validation-filled defaults the descriptor omits, so this is a subset
// match on the descriptor's params, not list equality.
func (e *Engine) matchConfiguredThing(thingClassID string, params models.ParamList) string {
	if len(params) == 0 {
		return ""
	}
	things, err := e.store.ListThingsByClass(context.Background(), thingClassID)
	if err != nil {
		return ""
	}
	for _, t := range things {
		match := true
		for _, p := range params {
			if fmt.Sprint(t.Params.Value(p.ParamTypeID)) != fmt.Sprint(p.Value) {
				match = false
				break
			}
		}
		if match {
			return t.ID
		}
	}
	return ""
}

// ── Add ─────────────────────────────────────────────────────

// AddThingRequest selects one of the two add paths: from a previously
// discovered descriptor, or directly from class + params.
type AddThingRequest struct {
	ThingClassID string
	DescriptorID string
	Name         string
	Params       models.ParamList
}

// AddThing configures a new thing and runs its setup. If the request
// names a descriptor that corresponds to an already configured thing the
// call is treated as a reconfigure of that thing.
func (e *Engine) AddThing(ctx context.Context, req AddThingRequest) AddResult {
	resCh := make(chan AddResult, 1)
	e.post(func() { e.addThing(req, resCh) })
	return await(e.done, resCh, AddResult{Result: abortedResult()})
}

func (e *Engine) addThing(req AddThingRequest, resCh chan<- AddResult) {
	name := req.Name
	params := req.Params
	thingClassID := req.ThingClassID
	parentID := ""

	if req.DescriptorID != "" {
		entry, ok := e.descriptors[req.DescriptorID]
		if !ok {
			resCh <- AddResult{Result: errResult(models.ThingErrorThingNotFound, "unknown thing descriptor")}
			return
		}
		desc := entry.descriptor
		if desc.ThingID != "" {
			// The descriptor names a configured thing: reconfigure it.
			r := make(chan Result, 1)
			e.reconfigureThing(desc.ThingID, mergeParams(desc.Params, req.Params), r)
			go func() {
				res := <-r
				resCh <- AddResult{Result: res, ThingID: desc.ThingID}
			}()
			return
		}
		thingClassID = desc.ThingClassID
		parentID = desc.ParentID
		params = mergeParams(desc.Params, req.Params)
		if name == "" {
			name = desc.Title
		}
	}

	tc := e.cat.FindThingClass(thingClassID)
	if tc == nil {
		resCh <- AddResult{Result: errResult(models.ThingErrorThingClassNotFound)}
		return
	}
	if req.DescriptorID == "" {
		if !tc.HasCreateMethod(models.CreateMethodJustAdd) {
			resCh <- AddResult{Result: errResult(models.ThingErrorCreationMethodNotSupported)}
			return
		}
		if tc.SetupMethod != models.SetupMethodJustAdd {
			resCh <- AddResult{Result: errResult(models.ThingErrorSetupMethodNotSupported, "thing class requires pairing, use PairThing")}
			return
		}
	}

	normalized, perr := catalog.ValidateParams(tc.ParamTypes, params)
	if perr != nil {
		resCh <- AddResult{Result: errResult(perr.Code, perr.Message)}
		return
	}

	thing := e.newThing(tc, name, normalized, parentID, false)
	e.setupNewThing(thing, tc, func(res AddResult) { resCh <- res })
}

func mergeParams(base, override models.ParamList) models.ParamList {
	merged := base.Clone()
	for _, p := range override {
		merged = merged.Set(p.ParamTypeID, p.Value)
	}
	return merged
}

func (e *Engine) newThing(tc *models.ThingClass, name string, params models.ParamList, parentID string, autoCreated bool) *models.Thing {
	if name == "" {
		name = tc.DisplayName
	}
	thing := &models.Thing{
		ID:           uuid.New().String(),
		ThingClassID: tc.ID,
		PluginID:     tc.PluginID,
		Name:         name,
		ParentID:     parentID,
		Params:       params,
		SetupStatus:  models.SetupStatusNone,
		AutoCreated:  autoCreated,
		CreatedAt:    time.Now().UTC(),
	}

	settings, perr := catalog.ValidateParams(tc.SettingsTypes, nil)
	if perr == nil {
		thing.Settings = settings
	}
	e.seedStates(thing, tc, false)
	return thing
}

// seedStates ensures the thing carries exactly one state entry per state
// type of its class, seeded from the class defaults. With keepExisting,
// persisted values survive (restart revival).
func (e *Engine) seedStates(t *models.Thing, tc *models.ThingClass, keepExisting bool) {
	states := make(map[string]*models.State, len(tc.StateTypes))
	for i := range tc.StateTypes {
		st := &tc.StateTypes[i]
		if keepExisting {
			if existing, ok := t.States[st.ID]; ok {
				states[st.ID] = existing
				continue
			}
		}
		states[st.ID] = &models.State{StateTypeID: st.ID, Value: st.DefaultValue}
	}
	t.States = states
}

// setupNewThing runs the shared tail of AddThing, ConfirmPairing and
// auto-thing appearance: mark InProgress, hand the thing to the plugin,
// and on success persist, announce and post-setup.
func (e *Engine) setupNewThing(thing *models.Thing, tc *models.ThingClass, done func(AddResult)) {
	thing.SetupStatus = models.SetupStatusInProgress

	e.dispatchSetup(thing, tc, true, false, func(status models.ThingError, msg string) {
		if !status.OK() {
			log.Warn().Str("thing", thing.Name).Str("status", string(status)).Msg("Thing setup failed")
			done(AddResult{Result: errResult(status, msg)})
			return
		}

		thing.SetupStatus = models.SetupStatusComplete
		if err := e.store.AddThing(context.Background(), thing); err != nil {
			log.Error().Err(err).Str("thing", thing.ID).Msg("Failed to persist thing, aborting add")
			done(AddResult{Result: errResult(models.ThingErrorSetupFailed, "failed to persist thing")})
			return
		}
		e.indexChild(thing)
		e.bus.Publish(events.Notification{Name: events.ThingAdded, Params: thing.Clone()})

		e.host.Call(tc.PluginID, func(p plugins.Plugin) { p.PostSetupThing(thing.Clone()) })

		log.Info().Str("thing", thing.ID).Str("name", thing.Name).Str("class", tc.Name).Msg("Thing added")
		done(AddResult{Result: Result{Error: models.ThingErrorNoError, DisplayMessage: msg}, ThingID: thing.ID})
	})
}

// dispatchSetup hands a setup info to the plugin and posts the terminal
// status back onto the dispatcher.
func (e *Engine) dispatchSetup(thing *models.Thing, tc *models.ThingClass, initial, reconfigure bool, done func(status models.ThingError, msg string)) {
	info := plugins.NewSetupInfo(thing.Clone(), initial, reconfigure, e.cfg.Timeouts.Setup)
	if !e.host.Call(tc.PluginID, func(p plugins.Plugin) { p.SetupThing(info) }) {
		done(models.ThingErrorPluginNotFound, "")
		return
	}
	go func() {
		<-info.Done()
		e.post(func() { done(info.Status(), info.DisplayMessage()) })
	}()
}

// ── Reconfigure ─────────────────────────────────────────────

// ReconfigureThingRequest names the target either directly or through a
// discovery descriptor tagged with its thing id.
type ReconfigureThingRequest struct {
	ThingID      string
	DescriptorID string
	Params       models.ParamList
}

// ReconfigureThing applies new params to a configured thing and re-runs
// its setup. Only non-readOnly params may change. On failure the
// previous params are restored.
func (e *Engine) ReconfigureThing(ctx context.Context, req ReconfigureThingRequest) Result {
	resCh := make(chan Result, 1)
	e.post(func() {
		thingID := req.ThingID
		params := req.Params
		if req.DescriptorID != "" {
			entry, ok := e.descriptors[req.DescriptorID]
			if !ok || entry.descriptor.ThingID == "" {
				resCh <- errResult(models.ThingErrorThingNotFound, "descriptor does not name a configured thing")
				return
			}
			thingID = entry.descriptor.ThingID
			params = mergeParams(entry.descriptor.Params, req.Params)
		}
		e.reconfigureThing(thingID, params, resCh)
	})
	return await(e.done, resCh, abortedResult())
}

func (e *Engine) reconfigureThing(thingID string, params models.ParamList, resCh chan<- Result) {
	thing, err := e.store.GetThing(context.Background(), thingID)
	if err != nil {
		resCh <- errResult(models.ThingErrorThingNotFound)
		return
	}
	tc := e.cat.FindThingClass(thing.ThingClassID)
	if tc == nil {
		resCh <- errResult(models.ThingErrorThingClassNotFound)
		return
	}

	newParams, perr := catalog.ValidateReconfigureParams(tc.ParamTypes, thing.Params, params)
	if perr != nil {
		resCh <- errResult(perr.Code, perr.Message)
		return
	}

	previous := thing.Params.Clone()

	// Tear down the plugin's view of the thing. Persistence stays.
	e.host.Call(tc.PluginID, func(p plugins.Plugin) { p.ThingRemoved(thing.Clone()) })

	thing.Params = newParams
	thing.SetupStatus = models.SetupStatusInProgress

	e.dispatchSetup(thing, tc, false, true, func(status models.ThingError, msg string) {
		if status.OK() {
			thing.SetupStatus = models.SetupStatusComplete
			thing.SetupError = ""
			if err := e.store.UpdateThing(context.Background(), thing); err != nil {
				log.Error().Err(err).Str("thing", thing.ID).Msg("Failed to persist reconfigure, rolling back")
				status = models.ThingErrorSetupFailed
				msg = "failed to persist thing"
			} else {
				e.bus.Publish(events.Notification{Name: events.ThingChanged, Params: thing.Clone()})
				e.host.Call(tc.PluginID, func(p plugins.Plugin) { p.PostSetupThing(thing.Clone()) })
				resCh <- Result{Error: models.ThingErrorNoError, DisplayMessage: msg}
				return
			}
		}

		// Revert and restore the previous working configuration.
		thing.Params = previous
		thing.SetupStatus = models.SetupStatusInProgress
		e.dispatchSetup(thing, tc, false, false, func(revertStatus models.ThingError, _ string) {
			if revertStatus.OK() {
				thing.SetupStatus = models.SetupStatusComplete
			} else {
				thing.SetupStatus = models.SetupStatusFailed
				thing.SetupError = revertStatus
				log.Error().Str("thing", thing.ID).Str("status", string(revertStatus)).Msg("Setup with previous params failed after reconfigure rollback")
			}
			if err := e.store.UpdateThing(context.Background(), thing); err != nil {
				log.Error().Err(err).Str("thing", thing.ID).Msg("Failed to persist rollback")
			}
			e.bus.Publish(events.Notification{Name: events.ThingChanged, Params: thing.Clone()})
		})
		resCh <- errResult(status, msg)
	})
}

// ── Edit / settings ─────────────────────────────────────────

// EditThing renames a thing. It never re-runs setup; renaming to the
// current name is a no-op.
func (e *Engine) EditThing(ctx context.Context, thingID, name string) Result {
	resCh := make(chan Result, 1)
	e.post(func() {
		thing, err := e.store.GetThing(context.Background(), thingID)
		if err != nil {
			resCh <- errResult(models.ThingErrorThingNotFound)
			return
		}
		if thing.Name == name {
			resCh <- okResult()
			return
		}
		thing.Name = name
		if err := e.store.UpdateThing(context.Background(), thing); err != nil {
			log.Error().Err(err).Str("thing", thingID).Msg("Failed to persist rename")
			resCh <- errResult(models.ThingErrorSetupFailed, "failed to persist thing")
			return
		}
		e.bus.Publish(events.Notification{Name: events.ThingChanged, Params: thing.Clone()})
		resCh <- okResult()
	})
	return await(e.done, resCh, abortedResult())
}

// SetThingSettings applies setting changes, persists them and emits one
// ThingSettingChanged per changed entry.
func (e *Engine) SetThingSettings(ctx context.Context, thingID string, settings models.ParamList) Result {
	resCh := make(chan Result, 1)
	e.post(func() {
		thing, err := e.store.GetThing(context.Background(), thingID)
		if err != nil {
			resCh <- errResult(models.ThingErrorThingNotFound)
			return
		}
		tc := e.cat.FindThingClass(thing.ThingClassID)
		if tc == nil {
			resCh <- errResult(models.ThingErrorThingClassNotFound)
			return
		}
		merged, perr := catalog.ValidateReconfigureParams(tc.SettingsTypes, thing.Settings, settings)
		if perr != nil {
			resCh <- errResult(perr.Code, perr.Message)
			return
		}

		var changed []models.Param
		for _, p := range settings {
			if fmt.Sprint(thing.Settings.Value(p.ParamTypeID)) != fmt.Sprint(merged.Value(p.ParamTypeID)) {
				changed = append(changed, models.Param{ParamTypeID: p.ParamTypeID, Value: merged.Value(p.ParamTypeID)})
			}
		}

		thing.Settings = merged
		if err := e.store.UpdateThing(context.Background(), thing); err != nil {
			log.Error().Err(err).Str("thing", thingID).Msg("Failed to persist settings")
			resCh <- errResult(models.ThingErrorSetupFailed, "failed to persist thing")
			return
		}
		for _, p := range changed {
			e.bus.Publish(events.Notification{
				Name:   events.ThingSettingChanged,
				Params: events.SettingChange{ThingID: thingID, ParamTypeID: p.ParamTypeID, Value: p.Value},
			})
		}
		resCh <- okResult()
	})
	return await(e.done, resCh, abortedResult())
}

// ── Remove ──────────────────────────────────────────────────

// RemoveThing removes a configured thing. Children are removed first
// (each a full removal); rules depending on the thing must be resolved
// by the supplied policies or the removal is rejected with the blocking
// rule ids.
func (e *Engine) RemoveThing(ctx context.Context, thingID string, policies map[string]RemovePolicy) RemoveResult {
	resCh := make(chan RemoveResult, 1)
	e.post(func() { resCh <- e.removeThing(thingID, policies, false) })
	return await(e.done, resCh, RemoveResult{Result: abortedResult()})
}

func (e *Engine) removeThing(thingID string, policies map[string]RemovePolicy, internal bool) RemoveResult {
	thing, err := e.store.GetThing(context.Background(), thingID)
	if err != nil {
		return RemoveResult{Result: errResult(models.ThingErrorThingNotFound)}
	}

	// Children go away with their parent, never on their own. Internal
	// removals (cascade, auto-disappear) bypass this.
	if !internal && thing.ParentID != "" {
		return RemoveResult{Result: errResult(models.ThingErrorThingIsChild)}
	}

	if unresolved := e.rules.ResolveRemoval(thingID, policies); len(unresolved) > 0 {
		return RemoveResult{Result: errResult(models.ThingErrorThingInUse), RuleIDs: unresolved}
	}

	tc := e.cat.FindThingClass(thing.ThingClassID)
	if tc != nil {
		e.host.Call(tc.PluginID, func(p plugins.Plugin) { p.ThingRemoved(thing.Clone()) })
	}

	// Children first, so their ThingRemoved precedes the parent's.
	for childID := range e.children[thingID] {
		if res := e.removeThing(childID, policies, true); !res.Error.OK() {
			log.Warn().Str("child", childID).Str("status", string(res.Error)).Msg("Child removal failed during cascade")
		}
	}
	delete(e.children, thingID)

	if err := e.store.RemoveThing(context.Background(), thingID); err != nil {
		log.Error().Err(err).Str("thing", thingID).Msg("Failed to delete thing from store")
		return RemoveResult{Result: errResult(models.ThingErrorSetupFailed, "failed to delete thing")}
	}
	e.unindexChild(thing)
	e.bus.Publish(events.Notification{Name: events.ThingRemoved, Params: events.ThingRemoval{ThingID: thingID}})

	log.Info().Str("thing", thingID).Str("name", thing.Name).Msg("Thing removed")
	return RemoveResult{Result: okResult()}
}

// ── Queries ─────────────────────────────────────────────────

// Things returns all configured things.
func (e *Engine) Things(ctx context.Context) []*models.Thing {
	things, err := e.store.ListThings(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list things")
		return nil
	}
	return things
}

// FindThing returns a thing and its class.
func (e *Engine) FindThing(ctx context.Context, thingID string) (*models.Thing, *models.ThingClass, models.ThingError) {
	thing, err := e.store.GetThing(ctx, thingID)
	if err != nil {
		return nil, nil, models.ThingErrorThingNotFound
	}
	tc := e.cat.FindThingClass(thing.ThingClassID)
	if tc == nil {
		return nil, nil, models.ThingErrorThingClassNotFound
	}
	return thing, tc, models.ThingErrorNoError
}

// ── Actions ─────────────────────────────────────────────────

// ExecuteAction validates and dispatches an action to the thing's plugin.
func (e *Engine) ExecuteAction(ctx context.Context, action models.Action) Result {
	resCh := make(chan Result, 1)
	e.post(func() { e.executeAction(action, resCh) })
	return await(e.done, resCh, abortedResult())
}

func (e *Engine) executeAction(action models.Action, resCh chan<- Result) {
	thing, tc, terr := e.FindThing(context.Background(), action.ThingID)
	if !terr.OK() {
		resCh <- errResult(terr)
		return
	}
	if thing.SetupStatus != models.SetupStatusComplete {
		resCh <- errResult(models.ThingErrorSetupFailed, "thing is not set up")
		return
	}
	at := tc.ActionType(action.ActionTypeID)
	if at == nil {
		resCh <- errResult(models.ThingErrorActionTypeNotFound)
		return
	}
	normalized, perr := catalog.ValidateParams(at.ParamTypes, action.Params)
	if perr != nil {
		resCh <- errResult(perr.Code, perr.Message)
		return
	}
	action.Params = normalized

	info := plugins.NewActionInfo(thing, action, e.cfg.Timeouts.Action)
	if !e.host.Call(tc.PluginID, func(p plugins.Plugin) { p.ExecuteAction(info) }) {
		resCh <- errResult(models.ThingErrorPluginNotFound)
		return
	}
	go func() {
		<-info.Done()
		e.post(func() { resCh <- errResult(info.Status(), info.DisplayMessage()) })
	}()
}

// ── State values ────────────────────────────────────────────

// SetStateValue applies a state change reported by a plugin or the IO
// engine: validate, record, persist if cached, and publish StateChanged
// plus the state's change event.
func (e *Engine) SetStateValue(ctx context.Context, thingID, stateTypeID string, value interface{}) Result {
	resCh := make(chan Result, 1)
	e.post(func() { resCh <- e.setStateValue(thingID, stateTypeID, value) })
	return await(e.done, resCh, abortedResult())
}

func (e *Engine) setStateValue(thingID, stateTypeID string, value interface{}) Result {
	thing, tc, terr := e.FindThing(context.Background(), thingID)
	if !terr.OK() {
		return errResult(terr)
	}
	st := tc.StateType(stateTypeID)
	if st == nil {
		return errResult(models.ThingErrorStateTypeNotFound)
	}
	current := thing.State(stateTypeID)
	coerced, perr := catalog.ValidateStateValue(st, current, value)
	if perr != nil {
		return errResult(perr.Code, perr.Message)
	}

	if current != nil && fmt.Sprint(current.Value) == fmt.Sprint(coerced) {
		return okResult() // unchanged, nothing to announce
	}

	state := models.State{StateTypeID: stateTypeID, Value: coerced}
	if current != nil {
		state.MinValue = current.MinValue
		state.MaxValue = current.MaxValue
		state.AllowedValues = current.AllowedValues
	}
	if err := e.store.SetStateValue(context.Background(), thingID, state, st.Cached); err != nil {
		return errResult(models.ThingErrorThingNotFound)
	}

	e.bus.PublishStateChanged(events.StateChange{
		ThingID:       thingID,
		StateTypeID:   stateTypeID,
		Value:         coerced,
		MinValue:      state.MinValue,
		MaxValue:      state.MaxValue,
		AllowedValues: state.AllowedValues,
	})
	if et := tc.EventType(stateTypeID); et != nil {
		e.bus.PublishEventTriggered(models.Event{
			ThingID:     thingID,
			EventTypeID: stateTypeID,
			Params:      models.ParamList{{ParamTypeID: stateTypeID, Value: coerced}},
			Timestamp:   time.Now().UTC(),
		})
	}
	return okResult()
}

// ── Browsing ────────────────────────────────────────────────

// BrowseThing lists the browser items of a browsable thing.
func (e *Engine) BrowseThing(ctx context.Context, thingID, itemID, locale string) BrowseItemsResult {
	resCh := make(chan BrowseItemsResult, 1)
	e.post(func() {
		thing, tc, terr := e.FindThing(context.Background(), thingID)
		if !terr.OK() {
			resCh <- BrowseItemsResult{Result: errResult(terr)}
			return
		}
		if !tc.Browsable {
			resCh <- BrowseItemsResult{Result: errResult(models.ThingErrorItemNotFound, "thing is not browsable")}
			return
		}
		result := plugins.NewBrowseResult(thing, itemID, locale, e.cfg.Timeouts.Browse)
		if !e.host.Call(tc.PluginID, func(p plugins.Plugin) { p.BrowseThing(result) }) {
			resCh <- BrowseItemsResult{Result: errResult(models.ThingErrorPluginNotFound)}
			return
		}
		go func() {
			<-result.Done()
			e.post(func() {
				resCh <- BrowseItemsResult{
					Result: errResult(result.Status(), result.DisplayMessage()),
					Items:  result.Items(),
				}
			})
		}()
	})
	return await(e.done, resCh, BrowseItemsResult{Result: abortedResult()})
}

// GetBrowserItem resolves a single browser item.
func (e *Engine) GetBrowserItem(ctx context.Context, thingID, itemID, locale string) BrowserItemResult {
	resCh := make(chan BrowserItemResult, 1)
	e.post(func() {
		thing, tc, terr := e.FindThing(context.Background(), thingID)
		if !terr.OK() {
			resCh <- BrowserItemResult{Result: errResult(terr)}
			return
		}
		result := plugins.NewBrowserItemResult(thing, itemID, locale, e.cfg.Timeouts.Browse)
		if !e.host.Call(tc.PluginID, func(p plugins.Plugin) { p.BrowserItem(result) }) {
			resCh <- BrowserItemResult{Result: errResult(models.ThingErrorPluginNotFound)}
			return
		}
		go func() {
			<-result.Done()
			e.post(func() {
				resCh <- BrowserItemResult{
					Result: errResult(result.Status(), result.DisplayMessage()),
					Item:   result.Item(),
				}
			})
		}()
	})
	return await(e.done, resCh, BrowserItemResult{Result: abortedResult()})
}

// ExecuteBrowserItem executes an executable browser item.
func (e *Engine) ExecuteBrowserItem(ctx context.Context, thingID, itemID string) Result {
	resCh := make(chan Result, 1)
	e.post(func() {
		thing, tc, terr := e.FindThing(context.Background(), thingID)
		if !terr.OK() {
			resCh <- errResult(terr)
			return
		}
		info := plugins.NewBrowserActionInfo(thing, itemID, e.cfg.Timeouts.Action)
		if !e.host.Call(tc.PluginID, func(p plugins.Plugin) { p.ExecuteBrowserItem(info) }) {
			resCh <- errResult(models.ThingErrorPluginNotFound)
			return
		}
		go func() {
			<-info.Done()
			e.post(func() { resCh <- errResult(info.Status(), info.DisplayMessage()) })
		}()
	})
	return await(e.done, resCh, abortedResult())
}

// ExecuteBrowserItemAction executes a browser-item action.
func (e *Engine) ExecuteBrowserItemAction(ctx context.Context, thingID, itemID, actionTypeID string, params models.ParamList) Result {
	resCh := make(chan Result, 1)
	e.post(func() {
		thing, tc, terr := e.FindThing(context.Background(), thingID)
		if !terr.OK() {
			resCh <- errResult(terr)
			return
		}
		at := e.cat.FindBrowserItemActionType(tc, actionTypeID)
		if at == nil {
			resCh <- errResult(models.ThingErrorActionTypeNotFound)
			return
		}
		normalized, perr := catalog.ValidateParams(at.ParamTypes, params)
		if perr != nil {
			resCh <- errResult(perr.Code, perr.Message)
			return
		}
		info := plugins.NewBrowserItemActionInfo(thing, itemID, actionTypeID, normalized, e.cfg.Timeouts.Action)
		if !e.host.Call(tc.PluginID, func(p plugins.Plugin) { p.ExecuteBrowserItemAction(info) }) {
			resCh <- errResult(models.ThingErrorPluginNotFound)
			return
		}
		go func() {
			<-info.Done()
			e.post(func() { resCh <- errResult(info.Status(), info.DisplayMessage()) })
		}()
	})
	return await(e.done, resCh, abortedResult())
}

// ── Plugin signal sinks ─────────────────────────────────────

// onThingsAppeared handles auto things announced by a plugin. Each
// descriptor is added with autoCreated=true; descriptors naming an
// existing thing are treated as reconfigurations.
func (e *Engine) onThingsAppeared(pluginID string, descriptors []models.ThingDescriptor) {
	e.post(func() {
		for _, desc := range descriptors {
			tc := e.cat.FindThingClass(desc.ThingClassID)
			if tc == nil {
				log.Warn().Str("plugin", pluginID).Str("class", desc.ThingClassID).Msg("Auto thing names unknown class, ignoring")
				continue
			}
			thingID := desc.ThingID
			if thingID == "" {
				thingID = e.matchConfiguredThing(desc.ThingClassID, desc.Params)
			}
			if thingID != "" {
				resCh := make(chan Result, 1)
				e.reconfigureThing(thingID, desc.Params, resCh)
				go func() { <-resCh }()
				continue
			}

			normalized, perr := catalog.ValidateParams(tc.ParamTypes, desc.Params)
			if perr != nil {
				log.Warn().Str("plugin", pluginID).Str("descriptor", desc.Title).Str("error", perr.Message).Msg("Auto thing has invalid params, ignoring")
				continue
			}
			thing := e.newThing(tc, desc.Title, normalized, desc.ParentID, true)
			e.setupNewThing(thing, tc, func(res AddResult) {
				if !res.Error.OK() {
					log.Warn().Str("plugin", pluginID).Str("status", string(res.Error)).Msg("Auto thing setup failed")
				}
			})
		}
	})
}

// onThingDisappeared removes an auto-created thing on the plugin's
// request. Disappear signals for user-created things are ignored.
func (e *Engine) onThingDisappeared(thingID string) {
	e.post(func() {
		thing, err := e.store.GetThing(context.Background(), thingID)
		if err != nil {
			return
		}
		if !thing.AutoCreated {
			log.Warn().Str("thing", thingID).Msg("Plugin signalled disappearance of a user-created thing, ignoring")
			return
		}
		if res := e.removeThing(thingID, nil, true); !res.Error.OK() {
			log.Warn().Str("thing", thingID).Str("status", string(res.Error)).Msg("Failed to remove disappeared auto thing")
		}
	})
}

// onPluginEvent publishes a plugin-emitted event after checking the
// event type exists on the thing's class.
func (e *Engine) onPluginEvent(event models.Event) {
	e.post(func() {
		_, tc, terr := e.FindThing(context.Background(), event.ThingID)
		if !terr.OK() {
			log.Warn().Str("thing", event.ThingID).Msg("Event for unknown thing, dropping")
			return
		}
		if tc.EventType(event.EventTypeID) == nil {
			log.Warn().Str("thing", event.ThingID).Str("eventType", event.EventTypeID).Msg("Unknown event type, dropping")
			return
		}
		if event.Timestamp.IsZero() {
			event.Timestamp = time.Now().UTC()
		}
		e.bus.PublishEventTriggered(event)
	})
}

// onPluginStateValue routes a plugin-reported state value through the
// regular state change path.
func (e *Engine) onPluginStateValue(thingID, stateTypeID string, value interface{}) {
	e.post(func() {
		if res := e.setStateValue(thingID, stateTypeID, value); !res.Error.OK() {
			log.Warn().Str("thing", thingID).Str("stateType", stateTypeID).Str("status", string(res.Error)).Msg("Plugin state value rejected")
		}
	})
}

// onStateMinValue, onStateMaxValue and onStateAllowedValues apply
// per-thing bound overrides reported by a plugin. The new bounds are
// announced through StateChanged with the state's current value, so
// clients can adjust sliders and pickers.
func (e *Engine) onStateMinValue(thingID, stateTypeID string, min *float64) {
	e.post(func() {
		e.applyStateBounds(thingID, stateTypeID, func(ctx context.Context) error {
			return e.store.SetStateMinValue(ctx, thingID, stateTypeID, min)
		})
	})
}

func (e *Engine) onStateMaxValue(thingID, stateTypeID string, max *float64) {
	e.post(func() {
		e.applyStateBounds(thingID, stateTypeID, func(ctx context.Context) error {
			return e.store.SetStateMaxValue(ctx, thingID, stateTypeID, max)
		})
	})
}

func (e *Engine) onStateAllowedValues(thingID, stateTypeID string, values []interface{}) {
	e.post(func() {
		e.applyStateBounds(thingID, stateTypeID, func(ctx context.Context) error {
			return e.store.SetStateAllowedValues(ctx, thingID, stateTypeID, values)
		})
	})
}

func (e *Engine) applyStateBounds(thingID, stateTypeID string, update func(context.Context) error) {
	_, tc, terr := e.FindThing(context.Background(), thingID)
	if !terr.OK() {
		log.Warn().Str("thing", thingID).Msg("State bounds for unknown thing, dropping")
		return
	}
	if tc.StateType(stateTypeID) == nil {
		log.Warn().Str("thing", thingID).Str("stateType", stateTypeID).Msg("State bounds for unknown state type, dropping")
		return
	}
	if err := update(context.Background()); err != nil {
		log.Error().Err(err).Str("thing", thingID).Str("stateType", stateTypeID).Msg("Failed to record state bounds")
		return
	}

	thing, err := e.store.GetThing(context.Background(), thingID)
	if err != nil {
		return
	}
	state := thing.State(stateTypeID)
	if state == nil {
		return
	}
	e.bus.PublishStateChanged(events.StateChange{
		ThingID:       thingID,
		StateTypeID:   stateTypeID,
		Value:         state.Value,
		MinValue:      state.MinValue,
		MaxValue:      state.MaxValue,
		AllowedValues: state.AllowedValues,
	})
}

// ── Child index ─────────────────────────────────────────────

func (e *Engine) indexChild(t *models.Thing) {
	if t.ParentID == "" {
		return
	}
	if e.children[t.ParentID] == nil {
		e.children[t.ParentID] = make(map[string]struct{})
	}
	e.children[t.ParentID][t.ID] = struct{}{}
}

func (e *Engine) unindexChild(t *models.Thing) {
	if t.ParentID == "" {
		return
	}
	delete(e.children[t.ParentID], t.ID)
}
