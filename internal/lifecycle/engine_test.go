package lifecycle_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/hearthd/hearthd/internal/catalog"
	"github.com/hearthd/hearthd/internal/config"
	"github.com/hearthd/hearthd/internal/events"
	"github.com/hearthd/hearthd/internal/lifecycle"
	"github.com/hearthd/hearthd/internal/plugins"
	"github.com/hearthd/hearthd/internal/plugins/mockplugin"
	"github.com/hearthd/hearthd/internal/store"
	"github.com/hearthd/hearthd/internal/translate"
	"github.com/hearthd/hearthd/pkg/models"
)

// ─── Harness ─────────────────────────────────────────────────

// recorder captures bus notifications for assertions.
type recorder struct {
	mu            sync.Mutex
	notifications []events.Notification
}

func newRecorder(bus *events.Bus) *recorder {
	r := &recorder{}
	bus.Subscribe(func(n events.Notification) {
		r.mu.Lock()
		r.notifications = append(r.notifications, n)
		r.mu.Unlock()
	})
	return r
}

func (r *recorder) named(name string) []events.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Notification
	for _, n := range r.notifications {
		if n.Name == name {
			out = append(out, n)
		}
	}
	return out
}

func (r *recorder) count(name string) int { return len(r.named(name)) }

type testEnv struct {
	cfg    *config.Config
	store  store.Store
	bus    *events.Bus
	rec    *recorder
	cat    *catalog.Catalog
	host   *plugins.Host
	engine *lifecycle.Engine
	plugin *mockplugin.Plugin

	closeOnce sync.Once
}

type envOptions struct {
	dataDir  string
	rules    lifecycle.RuleConsumer
	noPlugin bool
	tune     func(*config.Config)
}

func newTestEnv(t *testing.T) *testEnv { return newTestEnvWith(t, envOptions{}) }

func newTestEnvWith(t *testing.T, opts envOptions) *testEnv {
	t.Helper()

	cfg := &config.Config{
		Pairing: config.PairingConfig{TTL: time.Minute, SweepInterval: 10 * time.Millisecond},
		Timeouts: config.TimeoutConfig{
			Discovery: 2 * time.Second,
			Pairing:   2 * time.Second,
			Setup:     2 * time.Second,
			Action:    2 * time.Second,
			Browse:    2 * time.Second,
		},
	}
	if opts.tune != nil {
		opts.tune(cfg)
	}

	st := store.NewMemoryStore(opts.dataDir)
	bus := events.NewBus()
	env := &testEnv{
		cfg:   cfg,
		store: st,
		bus:   bus,
		rec:   newRecorder(bus),
		cat:   catalog.NewCatalog(),
	}
	env.host = plugins.NewHost(env.cat, st, bus, translate.NewRegistry())
	env.engine = lifecycle.NewEngine(cfg, env.cat, st, env.host, bus, opts.rules)

	if !opts.noPlugin {
		env.plugin = mockplugin.New()
		if err := env.host.Register(context.Background(), env.plugin); err != nil {
			t.Fatalf("Register() error = %v", err)
		}
	}
	env.engine.Start(context.Background())
	t.Cleanup(env.close)
	return env
}

func (env *testEnv) close() {
	env.closeOnce.Do(func() {
		env.engine.Stop()
		env.host.Stop()
		env.store.Close()
	})
}

// addMockThing adds a mock-class thing with a valid port and any extra
// params, failing the test on error.
func (env *testEnv) addMockThing(t *testing.T, name string, extra ...models.Param) string {
	t.Helper()
	params := models.ParamList{{ParamTypeID: mockplugin.ParamHTTPPort, Value: 8080}}
	for _, p := range extra {
		params = params.Set(p.ParamTypeID, p.Value)
	}
	res := env.engine.AddThing(context.Background(), lifecycle.AddThingRequest{
		ThingClassID: mockplugin.MockClassID,
		Name:         name,
		Params:       params,
	})
	if !res.Error.OK() {
		t.Fatalf("AddThing() error = %v (%s)", res.Error, res.DisplayMessage)
	}
	return res.ThingID
}

// waitFor polls cond until it holds or the test deadline passes. Setup
// completions and plugin signals land asynchronously on the dispatcher.
func waitFor(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}

// ─── Add ─────────────────────────────────────────────────────

func TestAddThing(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	id := env.addMockThing(t, "Desk Lamp")

	thing, err := env.store.GetThing(ctx, id)
	if err != nil {
		t.Fatalf("GetThing() error = %v", err)
	}
	if thing.SetupStatus != models.SetupStatusComplete {
		t.Errorf("SetupStatus = %v, want Complete", thing.SetupStatus)
	}
	if thing.Name != "Desk Lamp" {
		t.Errorf("Name = %q, want %q", thing.Name, "Desk Lamp")
	}
	if thing.State(mockplugin.StatePower) == nil {
		t.Error("State(power) = nil, want seeded default")
	}
	if got := thing.Settings.Value("pollInterval"); catalog.AsFloat(got) != 60 {
		t.Errorf("Settings.Value(pollInterval) = %v, want default 60", got)
	}
	if env.rec.count(events.ThingAdded) != 1 {
		t.Errorf("ThingAdded notifications = %d, want 1", env.rec.count(events.ThingAdded))
	}
}

func TestAddThing_MissingRequiredParam(t *testing.T) {
	env := newTestEnv(t)

	res := env.engine.AddThing(context.Background(), lifecycle.AddThingRequest{
		ThingClassID: mockplugin.MockClassID,
	})
	if res.Error != models.ThingErrorMissingParameter {
		t.Errorf("AddThing() error = %v, want MissingParameter", res.Error)
	}
}

func TestAddThing_UnknownClass(t *testing.T) {
	env := newTestEnv(t)

	res := env.engine.AddThing(context.Background(), lifecycle.AddThingRequest{
		ThingClassID: "nope",
	})
	if res.Error != models.ThingErrorThingClassNotFound {
		t.Errorf("AddThing() error = %v, want ThingClassNotFound", res.Error)
	}
}

func TestAddThing_SetupFailure(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	res := env.engine.AddThing(ctx, lifecycle.AddThingRequest{
		ThingClassID: mockplugin.MockClassID,
		Params: models.ParamList{
			{ParamTypeID: mockplugin.ParamHTTPPort, Value: 8080},
			{ParamTypeID: mockplugin.ParamBroken, Value: true},
		},
	})
	if res.Error != models.ThingErrorHardwareFailure {
		t.Fatalf("AddThing() error = %v, want HardwareFailure", res.Error)
	}
	if res.DisplayMessage != "the mock device is broken" {
		t.Errorf("DisplayMessage = %q", res.DisplayMessage)
	}
	if got := env.engine.Things(ctx); len(got) != 0 {
		t.Errorf("Things() = %d after failed setup, want 0", len(got))
	}
}

func TestAddThing_AsyncSetup(t *testing.T) {
	env := newTestEnv(t)

	id := env.addMockThing(t, "Async Device", models.Param{ParamTypeID: mockplugin.ParamAsync, Value: true})
	thing, err := env.store.GetThing(context.Background(), id)
	if err != nil {
		t.Fatalf("GetThing() error = %v", err)
	}
	if thing.SetupStatus != models.SetupStatusComplete {
		t.Errorf("SetupStatus = %v, want Complete after async setup", thing.SetupStatus)
	}
}

func TestAddThing_SetupTimeout(t *testing.T) {
	env := newTestEnvWith(t, envOptions{tune: func(cfg *config.Config) {
		cfg.Timeouts.Setup = 30 * time.Millisecond
	}})
	env.plugin.SetupDelay = 200 * time.Millisecond

	res := env.engine.AddThing(context.Background(), lifecycle.AddThingRequest{
		ThingClassID: mockplugin.MockClassID,
		Params:       models.ParamList{{ParamTypeID: mockplugin.ParamHTTPPort, Value: 8080}},
	})
	if res.Error != models.ThingErrorTimeout {
		t.Errorf("AddThing() error = %v, want Timeout", res.Error)
	}
}

func TestAddThing_PairingClassRejected(t *testing.T) {
	env := newTestEnv(t)

	res := env.engine.AddThing(context.Background(), lifecycle.AddThingRequest{
		ThingClassID: mockplugin.DisplayPinClassID,
	})
	if res.Error != models.ThingErrorSetupMethodNotSupported {
		t.Errorf("AddThing() error = %v, want SetupMethodNotSupported", res.Error)
	}
}

// ─── Discovery ───────────────────────────────────────────────

func TestDiscoverThings(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	res := env.engine.DiscoverThings(ctx, mockplugin.MockClassID,
		models.ParamList{{ParamTypeID: mockplugin.ParamResultCount, Value: 3}})
	if !res.Error.OK() {
		t.Fatalf("DiscoverThings() error = %v", res.Error)
	}
	if len(res.Descriptors) != 3 {
		t.Fatalf("Descriptors = %d, want 3", len(res.Descriptors))
	}
	for _, d := range res.Descriptors {
		if d.ID == "" {
			t.Error("descriptor ID is empty, want generated id")
		}
		if d.ThingClassID != mockplugin.MockClassID {
			t.Errorf("descriptor ThingClassID = %q", d.ThingClassID)
		}
	}

	// Adding from a descriptor uses its params and title.
	add := env.engine.AddThing(ctx, lifecycle.AddThingRequest{DescriptorID: res.Descriptors[0].ID})
	if !add.Error.OK() {
		t.Fatalf("AddThing(descriptor) error = %v", add.Error)
	}
	thing, _ := env.store.GetThing(ctx, add.ThingID)
	if catalog.AsFloat(thing.Params.Value(mockplugin.ParamHTTPPort)) != 1337 {
		t.Errorf("Params.Value(httpport) = %v, want 1337", thing.Params.Value(mockplugin.ParamHTTPPort))
	}
	if thing.Name != res.Descriptors[0].Title {
		t.Errorf("Name = %q, want descriptor title %q", thing.Name, res.Descriptors[0].Title)
	}
}

func TestDiscoverThings_MatchesConfiguredThing(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	existing := env.addMockThing(t, "Known Device", models.Param{ParamTypeID: mockplugin.ParamHTTPPort, Value: 1337})

	res := env.engine.DiscoverThings(ctx, mockplugin.MockClassID, nil)
	if !res.Error.OK() || len(res.Descriptors) != 1 {
		t.Fatalf("DiscoverThings() = %v, %d descriptors", res.Error, len(res.Descriptors))
	}
	if res.Descriptors[0].ThingID != existing {
		t.Fatalf("descriptor ThingID = %q, want %q", res.Descriptors[0].ThingID, existing)
	}

	// Adding such a descriptor reconfigures instead of duplicating.
	add := env.engine.AddThing(ctx, lifecycle.AddThingRequest{DescriptorID: res.Descriptors[0].ID})
	if !add.Error.OK() {
		t.Fatalf("AddThing(descriptor) error = %v", add.Error)
	}
	if add.ThingID != existing {
		t.Errorf("AddThing() ThingID = %q, want existing %q", add.ThingID, existing)
	}
	if got := env.engine.Things(ctx); len(got) != 1 {
		t.Errorf("Things() = %d, want 1", len(got))
	}
}

func TestDiscoverThings_NotSupported(t *testing.T) {
	env := newTestEnv(t)

	res := env.engine.DiscoverThings(context.Background(), mockplugin.ParentClassID, nil)
	if res.Error != models.ThingErrorCreationMethodNotSupported {
		t.Errorf("DiscoverThings() error = %v, want CreationMethodNotSupported", res.Error)
	}
}

// ─── Reconfigure / edit / settings ───────────────────────────

func TestReconfigureThing(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	id := env.addMockThing(t, "Device")

	res := env.engine.ReconfigureThing(ctx, lifecycle.ReconfigureThingRequest{
		ThingID: id,
		Params:  models.ParamList{{ParamTypeID: mockplugin.ParamHTTPPort, Value: 9090}},
	})
	if !res.Error.OK() {
		t.Fatalf("ReconfigureThing() error = %v", res.Error)
	}
	thing, _ := env.store.GetThing(ctx, id)
	if catalog.AsFloat(thing.Params.Value(mockplugin.ParamHTTPPort)) != 9090 {
		t.Errorf("Params.Value(httpport) = %v, want 9090", thing.Params.Value(mockplugin.ParamHTTPPort))
	}
	if env.rec.count(events.ThingChanged) == 0 {
		t.Error("ThingChanged notifications = 0, want at least 1")
	}
}

func TestReconfigureThing_RollbackOnFailure(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	id := env.addMockThing(t, "Device")

	res := env.engine.ReconfigureThing(ctx, lifecycle.ReconfigureThingRequest{
		ThingID: id,
		Params:  models.ParamList{{ParamTypeID: mockplugin.ParamBroken, Value: true}},
	})
	if res.Error != models.ThingErrorHardwareFailure {
		t.Fatalf("ReconfigureThing() error = %v, want HardwareFailure", res.Error)
	}

	// The previous working params come back and setup re-runs with them.
	waitFor(t, "rollback to complete", func() bool {
		thing, err := env.store.GetThing(ctx, id)
		if err != nil {
			return false
		}
		broken, _ := thing.Params.Value(mockplugin.ParamBroken).(bool)
		return !broken && thing.SetupStatus == models.SetupStatusComplete
	})
}

func TestEditThing(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	id := env.addMockThing(t, "Old Name")

	if res := env.engine.EditThing(ctx, id, "New Name"); !res.Error.OK() {
		t.Fatalf("EditThing() error = %v", res.Error)
	}
	thing, _ := env.store.GetThing(ctx, id)
	if thing.Name != "New Name" {
		t.Errorf("Name = %q, want %q", thing.Name, "New Name")
	}

	changed := env.rec.count(events.ThingChanged)
	if res := env.engine.EditThing(ctx, id, "New Name"); !res.Error.OK() {
		t.Fatalf("EditThing() same name error = %v", res.Error)
	}
	if env.rec.count(events.ThingChanged) != changed {
		t.Error("renaming to the current name emitted ThingChanged, want no-op")
	}
}

func TestSetThingSettings(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	id := env.addMockThing(t, "Device")

	res := env.engine.SetThingSettings(ctx, id, models.ParamList{{ParamTypeID: "pollInterval", Value: 120}})
	if !res.Error.OK() {
		t.Fatalf("SetThingSettings() error = %v", res.Error)
	}
	changes := env.rec.named(events.ThingSettingChanged)
	if len(changes) != 1 {
		t.Fatalf("ThingSettingChanged notifications = %d, want 1", len(changes))
	}
	sc := changes[0].Params.(events.SettingChange)
	if sc.ParamTypeID != "pollInterval" || catalog.AsFloat(sc.Value) != 120 {
		t.Errorf("SettingChange = %+v", sc)
	}

	res = env.engine.SetThingSettings(ctx, id, models.ParamList{{ParamTypeID: "pollInterval", Value: 0}})
	if res.Error != models.ThingErrorInvalidParameter {
		t.Errorf("SetThingSettings(out of range) error = %v, want InvalidParameter", res.Error)
	}
}

// ─── Actions and state values ────────────────────────────────

func TestExecuteAction(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	id := env.addMockThing(t, "Device")

	if res := env.engine.ExecuteAction(ctx, models.Action{ThingID: id, ActionTypeID: mockplugin.ActionNoop}); !res.Error.OK() {
		t.Errorf("ExecuteAction(noop) error = %v", res.Error)
	}
	if res := env.engine.ExecuteAction(ctx, models.Action{ThingID: id, ActionTypeID: mockplugin.ActionFailing}); res.Error != models.ThingErrorHardwareFailure {
		t.Errorf("ExecuteAction(failing) error = %v, want HardwareFailure", res.Error)
	}
	if res := env.engine.ExecuteAction(ctx, models.Action{ThingID: id, ActionTypeID: "bogus"}); res.Error != models.ThingErrorActionTypeNotFound {
		t.Errorf("ExecuteAction(bogus) error = %v, want ActionTypeNotFound", res.Error)
	}
}

func TestExecuteAction_SetStateAction(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	id := env.addMockThing(t, "Device")

	res := env.engine.ExecuteAction(ctx, models.Action{
		ThingID:      id,
		ActionTypeID: mockplugin.StatePower,
		Params:       models.ParamList{{ParamTypeID: mockplugin.StatePower, Value: true}},
	})
	if !res.Error.OK() {
		t.Fatalf("ExecuteAction(power) error = %v", res.Error)
	}

	waitFor(t, "power state to flip", func() bool {
		thing, err := env.store.GetThing(ctx, id)
		if err != nil {
			return false
		}
		v, _ := thing.State(mockplugin.StatePower).Value.(bool)
		return v
	})
	if env.rec.count(events.StateChanged) != 1 {
		t.Errorf("StateChanged notifications = %d, want 1", env.rec.count(events.StateChanged))
	}
	triggered := env.rec.named(events.EventTriggered)
	if len(triggered) != 1 {
		t.Fatalf("EventTriggered notifications = %d, want 1 change event", len(triggered))
	}
	if ev := triggered[0].Params.(models.Event); ev.EventTypeID != mockplugin.StatePower {
		t.Errorf("EventTypeID = %q, want %q", ev.EventTypeID, mockplugin.StatePower)
	}
}

func TestStateValue_UnchangedNotRepublished(t *testing.T) {
	env := newTestEnv(t)

	id := env.addMockThing(t, "Device")

	env.plugin.ReportState(id, mockplugin.StatePercentage, 50)
	waitFor(t, "first state change", func() bool { return env.rec.count(events.StateChanged) == 1 })

	env.plugin.ReportState(id, mockplugin.StatePercentage, 50)
	time.Sleep(50 * time.Millisecond)
	if env.rec.count(events.StateChanged) != 1 {
		t.Errorf("StateChanged notifications = %d after duplicate report, want 1", env.rec.count(events.StateChanged))
	}
}

func TestStateValue_OutOfRangeRejected(t *testing.T) {
	env := newTestEnv(t)

	id := env.addMockThing(t, "Device")

	res := env.engine.SetStateValue(context.Background(), id, mockplugin.StatePercentage, 150)
	if res.Error != models.ThingErrorInvalidParameter {
		t.Errorf("SetStateValue(150) error = %v, want InvalidParameter", res.Error)
	}
}

func TestPluginEvent(t *testing.T) {
	env := newTestEnv(t)

	id := env.addMockThing(t, "Device")

	env.plugin.PressButton(id)
	waitFor(t, "pressed event", func() bool {
		for _, n := range env.rec.named(events.EventTriggered) {
			if n.Params.(models.Event).EventTypeID == mockplugin.EventPressed {
				return true
			}
		}
		return false
	})
}

// ─── Parent / child ──────────────────────────────────────────

func TestParentChild(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	res := env.engine.AddThing(ctx, lifecycle.AddThingRequest{
		ThingClassID: mockplugin.ParentClassID,
		Name:         "Bridge",
	})
	if !res.Error.OK() {
		t.Fatalf("AddThing(parent) error = %v", res.Error)
	}
	parentID := res.ThingID

	// PostSetup announces the child; it arrives asynchronously.
	waitFor(t, "auto child to appear", func() bool { return len(env.engine.Things(ctx)) == 2 })

	var child *models.Thing
	for _, th := range env.engine.Things(ctx) {
		if th.ID != parentID {
			child = th
		}
	}
	if child.ParentID != parentID {
		t.Errorf("child ParentID = %q, want %q", child.ParentID, parentID)
	}
	if !child.AutoCreated {
		t.Error("child AutoCreated = false, want true")
	}

	// Children never go away on their own.
	if rm := env.engine.RemoveThing(ctx, child.ID, nil); rm.Error != models.ThingErrorThingIsChild {
		t.Fatalf("RemoveThing(child) error = %v, want ThingIsChild", rm.Error)
	}

	if rm := env.engine.RemoveThing(ctx, parentID, nil); !rm.Error.OK() {
		t.Fatalf("RemoveThing(parent) error = %v", rm.Error)
	}
	if got := env.engine.Things(ctx); len(got) != 0 {
		t.Errorf("Things() = %d after parent removal, want 0", len(got))
	}
	removed := env.rec.named(events.ThingRemoved)
	if len(removed) != 2 {
		t.Fatalf("ThingRemoved notifications = %d, want 2", len(removed))
	}
	if removed[0].Params.(events.ThingRemoval).ThingID != child.ID {
		t.Error("child removal did not precede parent removal")
	}
}

func TestThingDisappeared(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	res := env.engine.AddThing(ctx, lifecycle.AddThingRequest{
		ThingClassID: mockplugin.ParentClassID,
		Name:         "Bridge",
	})
	if !res.Error.OK() {
		t.Fatalf("AddThing(parent) error = %v", res.Error)
	}
	waitFor(t, "auto child to appear", func() bool { return len(env.engine.Things(ctx)) == 2 })

	var childID string
	for _, th := range env.engine.Things(ctx) {
		if th.AutoCreated {
			childID = th.ID
		}
	}

	env.plugin.Disappear(childID)
	waitFor(t, "auto child to vanish", func() bool { return len(env.engine.Things(ctx)) == 1 })

	// Disappear signals for user-created things are ignored.
	env.plugin.Disappear(res.ThingID)
	time.Sleep(50 * time.Millisecond)
	if got := env.engine.Things(ctx); len(got) != 1 {
		t.Errorf("Things() = %d, want user-created thing to survive disappear signal", len(got))
	}
}

// ─── Remove and rules ────────────────────────────────────────

type stubRules struct{ ruleIDs []string }

func (s stubRules) DependentRules(string) []string { return s.ruleIDs }

func (s stubRules) ResolveRemoval(thingID string, policies map[string]lifecycle.RemovePolicy) []string {
	if _, ok := policies["*"]; ok {
		return nil
	}
	var unresolved []string
	for _, id := range s.ruleIDs {
		if _, ok := policies[id]; !ok {
			unresolved = append(unresolved, id)
		}
	}
	return unresolved
}

func TestRemoveThing_BlockedByRules(t *testing.T) {
	env := newTestEnvWith(t, envOptions{rules: stubRules{ruleIDs: []string{"rule-1"}}})
	ctx := context.Background()

	id := env.addMockThing(t, "Device")

	rm := env.engine.RemoveThing(ctx, id, nil)
	if rm.Error != models.ThingErrorThingInUse {
		t.Fatalf("RemoveThing() error = %v, want ThingInUse", rm.Error)
	}
	if len(rm.RuleIDs) != 1 || rm.RuleIDs[0] != "rule-1" {
		t.Errorf("RuleIDs = %v, want [rule-1]", rm.RuleIDs)
	}

	rm = env.engine.RemoveThing(ctx, id, map[string]lifecycle.RemovePolicy{"*": lifecycle.RemovePolicyCascade})
	if !rm.Error.OK() {
		t.Fatalf("RemoveThing(cascade) error = %v", rm.Error)
	}
	if got := env.engine.Things(ctx); len(got) != 0 {
		t.Errorf("Things() = %d after removal, want 0", len(got))
	}
}

func TestRemoveThing_NotFound(t *testing.T) {
	env := newTestEnv(t)

	rm := env.engine.RemoveThing(context.Background(), "ghost", nil)
	if rm.Error != models.ThingErrorThingNotFound {
		t.Errorf("RemoveThing() error = %v, want ThingNotFound", rm.Error)
	}
}

// ─── Browsing ────────────────────────────────────────────────

func TestBrowseThing(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	id := env.addMockThing(t, "Player")

	root := env.engine.BrowseThing(ctx, id, "", "")
	if !root.Error.OK() || len(root.Items) != 1 || root.Items[0].ID != mockplugin.BrowserItemFolder {
		t.Fatalf("BrowseThing(root) = %v, items %v", root.Error, root.Items)
	}
	folder := env.engine.BrowseThing(ctx, id, mockplugin.BrowserItemFolder, "")
	if !folder.Error.OK() || len(folder.Items) != 1 || folder.Items[0].ID != mockplugin.BrowserItemSong {
		t.Fatalf("BrowseThing(folder) = %v, items %v", folder.Error, folder.Items)
	}
	if bogus := env.engine.BrowseThing(ctx, id, "bogus", ""); bogus.Error != models.ThingErrorItemNotFound {
		t.Errorf("BrowseThing(bogus) error = %v, want ItemNotFound", bogus.Error)
	}
}

func TestBrowseThing_NotBrowsable(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	res := env.engine.AddThing(ctx, lifecycle.AddThingRequest{ThingClassID: mockplugin.IOClassID, Name: "IO"})
	if !res.Error.OK() {
		t.Fatalf("AddThing() error = %v", res.Error)
	}

	browse := env.engine.BrowseThing(ctx, res.ThingID, "", "")
	if browse.Error != models.ThingErrorItemNotFound {
		t.Errorf("BrowseThing() error = %v, want ItemNotFound for non-browsable class", browse.Error)
	}
}

func TestExecuteBrowserItem(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	id := env.addMockThing(t, "Player")

	if res := env.engine.ExecuteBrowserItem(ctx, id, mockplugin.BrowserItemSong); !res.Error.OK() {
		t.Errorf("ExecuteBrowserItem(song) error = %v", res.Error)
	}
	if res := env.engine.ExecuteBrowserItem(ctx, id, mockplugin.BrowserItemFolder); res.Error != models.ThingErrorItemNotExecutable {
		t.Errorf("ExecuteBrowserItem(folder) error = %v, want ItemNotExecutable", res.Error)
	}
}

func TestExecuteBrowserItemAction(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	id := env.addMockThing(t, "Player")

	if res := env.engine.ExecuteBrowserItemAction(ctx, id, mockplugin.BrowserItemSong, mockplugin.BrowserItemActionStar, nil); !res.Error.OK() {
		t.Errorf("ExecuteBrowserItemAction(star) error = %v", res.Error)
	}
	if res := env.engine.ExecuteBrowserItemAction(ctx, id, mockplugin.BrowserItemSong, "bogus", nil); res.Error != models.ThingErrorActionTypeNotFound {
		t.Errorf("ExecuteBrowserItemAction(bogus) error = %v, want ActionTypeNotFound", res.Error)
	}
}

// ─── Restart revival ─────────────────────────────────────────

func TestRevivalAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	first := newTestEnvWith(t, envOptions{dataDir: dir})
	id := first.addMockThing(t, "Survivor")
	first.close()

	second := newTestEnvWith(t, envOptions{dataDir: dir})
	waitFor(t, "thing to be revived", func() bool {
		thing, err := second.store.GetThing(ctx, id)
		return err == nil && thing.SetupStatus == models.SetupStatusComplete
	})
	thing, _ := second.store.GetThing(ctx, id)
	if thing.Name != "Survivor" {
		t.Errorf("revived Name = %q, want %q", thing.Name, "Survivor")
	}
}

func TestRevival_QuarantinesUnknownClass(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	first := newTestEnvWith(t, envOptions{dataDir: dir})
	id := first.addMockThing(t, "Orphan")
	first.close()

	// No plugin: the class is unknown, the thing goes into quarantine.
	second := newTestEnvWith(t, envOptions{dataDir: dir, noPlugin: true})
	if _, err := second.store.GetThing(ctx, id); err == nil {
		t.Error("GetThing() error = nil for quarantined thing, want not found")
	}
	quarantined, _ := second.store.ListQuarantinedThings(ctx)
	if len(quarantined) != 1 {
		t.Fatalf("ListQuarantinedThings() = %d, want 1", len(quarantined))
	}
	second.close()

	// Plugin back: the thing is restored and set up again.
	third := newTestEnvWith(t, envOptions{dataDir: dir})
	waitFor(t, "quarantined thing to recover", func() bool {
		thing, err := third.store.GetThing(ctx, id)
		return err == nil && thing.SetupStatus == models.SetupStatusComplete
	})
}

// ─── State bounds ────────────────────────────────────────────

func fptr(v float64) *float64 { return &v }

func TestStateBounds_MaxOverrideNarrows(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := env.addMockThing(t, "Dimmer")

	env.plugin.LimitState(id, mockplugin.StatePercentage, nil, fptr(50))
	waitFor(t, "max override to land", func() bool {
		thing, err := env.store.GetThing(ctx, id)
		return err == nil && thing.State(mockplugin.StatePercentage).MaxValue != nil
	})

	if res := env.engine.SetStateValue(ctx, id, mockplugin.StatePercentage, 80); res.Error != models.ThingErrorInvalidParameter {
		t.Errorf("SetStateValue(80) error = %v, want InvalidParameter", res.Error)
	}
	if res := env.engine.SetStateValue(ctx, id, mockplugin.StatePercentage, 40); !res.Error.OK() {
		t.Errorf("SetStateValue(40) error = %v", res.Error)
	}

	found := false
	for _, n := range env.rec.named(events.StateChanged) {
		if sc, ok := n.Params.(events.StateChange); ok &&
			sc.ThingID == id && sc.StateTypeID == mockplugin.StatePercentage &&
			sc.MaxValue != nil && *sc.MaxValue == 50 {
			found = true
			break
		}
	}
	if !found {
		t.Error("no StateChanged notification carried the max override")
	}
}

func TestStateBounds_ClearRestoresClassBounds(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := env.addMockThing(t, "Dimmer")

	env.plugin.LimitState(id, mockplugin.StatePercentage, nil, fptr(50))
	waitFor(t, "max override to land", func() bool {
		thing, err := env.store.GetThing(ctx, id)
		return err == nil && thing.State(mockplugin.StatePercentage).MaxValue != nil
	})

	env.plugin.LimitState(id, mockplugin.StatePercentage, nil, nil)
	waitFor(t, "max override to clear", func() bool {
		thing, err := env.store.GetThing(ctx, id)
		return err == nil && thing.State(mockplugin.StatePercentage).MaxValue == nil
	})

	if res := env.engine.SetStateValue(ctx, id, mockplugin.StatePercentage, 80); !res.Error.OK() {
		t.Errorf("SetStateValue(80) after clear error = %v", res.Error)
	}
}

func TestStateBounds_AllowedValuesEnforced(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := env.addMockThing(t, "Selector")

	env.plugin.RestrictState(id, mockplugin.StatePercentage, []interface{}{10, 20})
	waitFor(t, "allowed values to land", func() bool {
		thing, err := env.store.GetThing(ctx, id)
		return err == nil && len(thing.State(mockplugin.StatePercentage).AllowedValues) == 2
	})

	if res := env.engine.SetStateValue(ctx, id, mockplugin.StatePercentage, 30); res.Error != models.ThingErrorInvalidParameter {
		t.Errorf("SetStateValue(30) error = %v, want InvalidParameter", res.Error)
	}
	if res := env.engine.SetStateValue(ctx, id, mockplugin.StatePercentage, 20); !res.Error.OK() {
		t.Errorf("SetStateValue(20) error = %v", res.Error)
	}
}

// ─── Shutdown ────────────────────────────────────────────────

func TestStop_UnblocksCallers(t *testing.T) {
	env := newTestEnv(t)
	id := env.addMockThing(t, "Lamp")
	env.close()

	resCh := make(chan lifecycle.Result, 1)
	go func() {
		resCh <- env.engine.SetStateValue(context.Background(), id, mockplugin.StatePercentage, 10)
	}()

	select {
	case res := <-resCh:
		if res.Error != models.ThingErrorAborted {
			t.Errorf("SetStateValue() after Stop error = %v, want Aborted", res.Error)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("SetStateValue() blocked after Stop")
	}
}
