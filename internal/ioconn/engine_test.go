package ioconn_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/hearthd/hearthd/internal/catalog"
	"github.com/hearthd/hearthd/internal/config"
	"github.com/hearthd/hearthd/internal/events"
	"github.com/hearthd/hearthd/internal/ioconn"
	"github.com/hearthd/hearthd/internal/lifecycle"
	"github.com/hearthd/hearthd/internal/plugins"
	"github.com/hearthd/hearthd/internal/plugins/mockplugin"
	"github.com/hearthd/hearthd/internal/store"
	"github.com/hearthd/hearthd/internal/translate"
	"github.com/hearthd/hearthd/pkg/models"
)

type testRig struct {
	store  store.Store
	bus    *events.Bus
	core   *lifecycle.Engine
	host   *plugins.Host
	io     *ioconn.Engine
	plugin *mockplugin.Plugin

	mu      sync.Mutex
	removed int // IOConnectionRemoved notifications seen
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()

	cfg := &config.Config{
		Pairing: config.PairingConfig{TTL: time.Minute, SweepInterval: 10 * time.Millisecond},
		Timeouts: config.TimeoutConfig{
			Discovery: 2 * time.Second,
			Setup:     2 * time.Second,
			Action:    2 * time.Second,
		},
	}

	rig := &testRig{
		store: store.NewMemoryStore(""),
		bus:   events.NewBus(),
	}
	rig.bus.Subscribe(func(n events.Notification) {
		if n.Name == events.IOConnectionRemoved {
			rig.mu.Lock()
			rig.removed++
			rig.mu.Unlock()
		}
	})

	cat := catalog.NewCatalog()
	rig.host = plugins.NewHost(cat, rig.store, rig.bus, translate.NewRegistry())
	rig.core = lifecycle.NewEngine(cfg, cat, rig.store, rig.host, rig.bus, nil)
	rig.io = ioconn.NewEngine(rig.core, rig.store, rig.bus)

	rig.plugin = mockplugin.New()
	if err := rig.host.Register(context.Background(), rig.plugin); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	rig.core.Start(context.Background())
	rig.io.Start(context.Background())

	t.Cleanup(func() {
		rig.io.Stop()
		rig.core.Stop()
		rig.host.Stop()
		rig.store.Close()
	})
	return rig
}

func (rig *testRig) removedCount() int {
	rig.mu.Lock()
	defer rig.mu.Unlock()
	return rig.removed
}

// addIOThing adds a generic-IO thing and returns its id.
func (rig *testRig) addIOThing(t *testing.T, name string) string {
	t.Helper()
	res := rig.core.AddThing(context.Background(), lifecycle.AddThingRequest{
		ThingClassID: mockplugin.IOClassID,
		Name:         name,
	})
	if !res.Error.OK() {
		t.Fatalf("AddThing() error = %v", res.Error)
	}
	return res.ThingID
}

func (rig *testRig) stateValue(t *testing.T, thingID, stateTypeID string) interface{} {
	t.Helper()
	thing, err := rig.store.GetThing(context.Background(), thingID)
	if err != nil {
		t.Fatalf("GetThing() error = %v", err)
	}
	return thing.State(stateTypeID).Value
}

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

// ─── Digital propagation ─────────────────────────────────────

func TestConnect_DigitalInverted(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	in := rig.addIOThing(t, "Sensor")
	out := rig.addIOThing(t, "Relay")

	res := rig.io.Connect(ctx, models.IOConnection{
		InputThingID:      in,
		InputStateTypeID:  mockplugin.StateDigitalIn,
		OutputThingID:     out,
		OutputStateTypeID: mockplugin.StateDigitalOut,
		Inverted:          true,
	})
	if !res.Error.OK() {
		t.Fatalf("Connect() error = %v (%s)", res.Error, res.DisplayMessage)
	}
	if res.ConnectionID == "" {
		t.Fatal("Connect() ConnectionID is empty")
	}

	// Connecting propagates immediately: input false, inverted, so the
	// output goes true.
	waitFor(t, "initial inverted propagation", func() bool {
		v, _ := rig.stateValue(t, out, mockplugin.StateDigitalOut).(bool)
		return v
	})

	rig.plugin.ReportState(in, mockplugin.StateDigitalIn, true)
	waitFor(t, "inverted propagation of true", func() bool {
		v, _ := rig.stateValue(t, out, mockplugin.StateDigitalOut).(bool)
		return !v
	})
}

func TestCycle_Converges(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	a := rig.addIOThing(t, "A")
	b := rig.addIOThing(t, "B")

	forward := rig.io.Connect(ctx, models.IOConnection{
		InputThingID:      a,
		InputStateTypeID:  mockplugin.StateDigitalIn,
		OutputThingID:     b,
		OutputStateTypeID: mockplugin.StateDigitalOut,
	})
	if !forward.Error.OK() {
		t.Fatalf("Connect(forward) error = %v", forward.Error)
	}
	back := rig.io.Connect(ctx, models.IOConnection{
		InputThingID:      b,
		InputStateTypeID:  mockplugin.StateDigitalOut,
		OutputThingID:     a,
		OutputStateTypeID: mockplugin.StateDigitalIn,
	})
	if !back.Error.OK() {
		t.Fatalf("Connect(back) error = %v", back.Error)
	}

	rig.plugin.ReportState(a, mockplugin.StateDigitalIn, true)
	waitFor(t, "cycle to converge", func() bool {
		av, _ := rig.stateValue(t, a, mockplugin.StateDigitalIn).(bool)
		bv, _ := rig.stateValue(t, b, mockplugin.StateDigitalOut).(bool)
		return av && bv
	})

	// The back edge maps the value onto what the input already holds, so
	// propagation stops instead of oscillating.
	time.Sleep(100 * time.Millisecond)
	if av, _ := rig.stateValue(t, a, mockplugin.StateDigitalIn).(bool); !av {
		t.Error("cycle flipped the input back, want stable convergence")
	}
}

// ─── Analog propagation ──────────────────────────────────────

func TestConnect_AnalogRescale(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	in := rig.addIOThing(t, "Dial")
	out := rig.addIOThing(t, "Dimmer")

	// analogIn spans 0..10, analogOut 0..100.
	res := rig.io.Connect(ctx, models.IOConnection{
		InputThingID:      in,
		InputStateTypeID:  mockplugin.StateAnalogIn,
		OutputThingID:     out,
		OutputStateTypeID: mockplugin.StateAnalogOut,
	})
	if !res.Error.OK() {
		t.Fatalf("Connect() error = %v", res.Error)
	}

	rig.plugin.ReportState(in, mockplugin.StateAnalogIn, 5.0)
	waitFor(t, "rescaled propagation", func() bool {
		return catalog.AsFloat(rig.stateValue(t, out, mockplugin.StateAnalogOut)) == 50
	})
}

func TestConnect_AnalogInvertedRescale(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	in := rig.addIOThing(t, "Dial")
	out := rig.addIOThing(t, "Dimmer")

	res := rig.io.Connect(ctx, models.IOConnection{
		InputThingID:      in,
		InputStateTypeID:  mockplugin.StateAnalogIn,
		OutputThingID:     out,
		OutputStateTypeID: mockplugin.StateAnalogOut,
		Inverted:          true,
	})
	if !res.Error.OK() {
		t.Fatalf("Connect() error = %v", res.Error)
	}

	rig.plugin.ReportState(in, mockplugin.StateAnalogIn, 2.0)
	waitFor(t, "inverted rescaled propagation", func() bool {
		return catalog.AsFloat(rig.stateValue(t, out, mockplugin.StateAnalogOut)) == 80
	})
}

// ─── Validation ──────────────────────────────────────────────

func TestConnect_Rejections(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	a := rig.addIOThing(t, "A")
	b := rig.addIOThing(t, "B")

	cases := []struct {
		name string
		conn models.IOConnection
		want models.ThingError
	}{
		{
			"self loop",
			models.IOConnection{InputThingID: a, InputStateTypeID: mockplugin.StateDigitalIn, OutputThingID: a, OutputStateTypeID: mockplugin.StateDigitalIn},
			models.ThingErrorInvalidParameter,
		},
		{
			"digital to analog",
			models.IOConnection{InputThingID: a, InputStateTypeID: mockplugin.StateDigitalIn, OutputThingID: b, OutputStateTypeID: mockplugin.StateAnalogOut},
			models.ThingErrorInvalidParameter,
		},
		{
			"output not writable",
			models.IOConnection{InputThingID: a, InputStateTypeID: mockplugin.StateDigitalIn, OutputThingID: b, OutputStateTypeID: mockplugin.StateSensed},
			models.ThingErrorInvalidParameter,
		},
		{
			"unknown input thing",
			models.IOConnection{InputThingID: "ghost", InputStateTypeID: mockplugin.StateDigitalIn, OutputThingID: b, OutputStateTypeID: mockplugin.StateDigitalOut},
			models.ThingErrorThingNotFound,
		},
		{
			"unknown input state",
			models.IOConnection{InputThingID: a, InputStateTypeID: "bogus", OutputThingID: b, OutputStateTypeID: mockplugin.StateDigitalOut},
			models.ThingErrorStateTypeNotFound,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if res := rig.io.Connect(ctx, tc.conn); res.Error != tc.want {
				t.Errorf("Connect() error = %v, want %v", res.Error, tc.want)
			}
		})
	}
	if got := rig.io.Connections(ctx); len(got) != 0 {
		t.Errorf("Connections() = %d after rejected connects, want 0", len(got))
	}
}

// ─── Disconnect and implicit removal ─────────────────────────

func TestDisconnect(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	in := rig.addIOThing(t, "Sensor")
	out := rig.addIOThing(t, "Relay")

	res := rig.io.Connect(ctx, models.IOConnection{
		InputThingID:      in,
		InputStateTypeID:  mockplugin.StateDigitalIn,
		OutputThingID:     out,
		OutputStateTypeID: mockplugin.StateDigitalOut,
	})
	if !res.Error.OK() {
		t.Fatalf("Connect() error = %v", res.Error)
	}

	if dis := rig.io.Disconnect(ctx, res.ConnectionID); !dis.Error.OK() {
		t.Fatalf("Disconnect() error = %v", dis.Error)
	}
	if rig.removedCount() != 1 {
		t.Errorf("IOConnectionRemoved notifications = %d, want 1", rig.removedCount())
	}

	// A disconnected input no longer drives the output.
	rig.plugin.ReportState(in, mockplugin.StateDigitalIn, true)
	time.Sleep(100 * time.Millisecond)
	if v, _ := rig.stateValue(t, out, mockplugin.StateDigitalOut).(bool); v {
		t.Error("output followed the input after disconnect")
	}
}

func TestDisconnect_Unknown(t *testing.T) {
	rig := newTestRig(t)

	if res := rig.io.Disconnect(context.Background(), "ghost"); res.Error != models.ThingErrorThingNotFound {
		t.Errorf("Disconnect() error = %v, want ThingNotFound", res.Error)
	}
}

func TestThingRemoval_DropsConnections(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	in := rig.addIOThing(t, "Sensor")
	out := rig.addIOThing(t, "Relay")

	res := rig.io.Connect(ctx, models.IOConnection{
		InputThingID:      in,
		InputStateTypeID:  mockplugin.StateDigitalIn,
		OutputThingID:     out,
		OutputStateTypeID: mockplugin.StateDigitalOut,
	})
	if !res.Error.OK() {
		t.Fatalf("Connect() error = %v", res.Error)
	}

	if rm := rig.core.RemoveThing(ctx, in, nil); !rm.Error.OK() {
		t.Fatalf("RemoveThing() error = %v", rm.Error)
	}
	waitFor(t, "connection to be dropped", func() bool {
		return len(rig.io.Connections(ctx)) == 0
	})
	if rig.removedCount() != 1 {
		t.Errorf("IOConnectionRemoved notifications = %d, want 1", rig.removedCount())
	}
}
