// Package mockplugin provides a fully simulated integration plugin. It
// backs the development binary (no hardware required) and the lifecycle
// test suites: every creation method, setup method and IO state shape
// the core supports is represented by one of its thing classes.
package mockplugin

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hearthd/hearthd/internal/plugins"
	"github.com/hearthd/hearthd/pkg/models"
)

// Catalog ids. Exported so tests can reference them directly.
const (
	PluginID = "mock"
	VendorID = "mock-vendor"

	// mock: JustAdd + Discovery, plain setup, browsable.
	MockClassID = "mock-class"
	// display-pin: pairing via a pin the "device" shows.
	DisplayPinClassID = "mock-displaypin-class"
	// parent/child: PostSetup of a parent announces an auto child.
	ParentClassID = "mock-parent-class"
	ChildClassID  = "mock-child-class"
	// generic-io: digital and analog states for IO connections.
	IOClassID = "mock-io-class"

	ParamHTTPPort    = "httpport"
	ParamAsync       = "async"
	ParamBroken      = "broken"
	ParamResultCount = "resultCount"

	StatePower      = "power"
	StatePercentage = "percentage"
	StateDigitalIn  = "digitalIn"
	StateDigitalOut = "digitalOut"
	StateAnalogIn   = "analogIn"
	StateAnalogOut  = "analogOut"
	StateSensed     = "sensed"

	ActionNoop    = "noop"
	ActionFailing = "failing"

	EventPressed = "pressed"

	BrowserItemFolder     = "folder"
	BrowserItemSong       = "folder/song"
	BrowserItemActionStar = "star"

	PluginParamLatency = "latency"

	// DisplayPin is the secret the display-pin class accepts.
	DisplayPin = "243681"
)

func f(v float64) *float64 { return &v }

// Plugin is the mock integration. The zero value is not usable; call New.
type Plugin struct {
	plugins.PluginBase

	mu   sync.Mutex
	host plugins.HostContext

	// SetupDelay delays every setup completion; tests use it to provoke
	// Info timeouts.
	SetupDelay time.Duration
}

// New creates the mock plugin.
func New() *Plugin {
	return &Plugin{}
}

func (p *Plugin) Init(ctx context.Context, host plugins.HostContext) error {
	p.mu.Lock()
	p.host = host
	p.mu.Unlock()
	return nil
}

// Host returns the host context, for tests that emit signals directly.
func (p *Plugin) Host() plugins.HostContext {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.host
}

func (p *Plugin) Metadata() models.PluginMetadata {
	return models.PluginMetadata{
		ID:          PluginID,
		Name:        "mock",
		DisplayName: "Mock Devices",
		ParamTypes: []models.ParamType{
			{ID: PluginParamLatency, Name: "latency", DisplayName: "Simulated latency (ms)", Type: models.ValueTypeInt, DefaultValue: 0, MinValue: f(0), MaxValue: f(10000)},
		},
	}
}

func (p *Plugin) Vendors() []models.Vendor {
	return []models.Vendor{
		{ID: VendorID, Name: "mock", DisplayName: "Mock Vendor"},
	}
}

func (p *Plugin) ThingClasses() []models.ThingClass {
	return []models.ThingClass{
		{
			ID:            MockClassID,
			VendorID:      VendorID,
			PluginID:      PluginID,
			Name:          "mock",
			DisplayName:   "Mock Device",
			CreateMethods: []models.CreateMethod{models.CreateMethodJustAdd, models.CreateMethodDiscovery},
			SetupMethod:   models.SetupMethodJustAdd,
			Interfaces:    []string{"power", "button"},
			ParamTypes: []models.ParamType{
				{ID: ParamHTTPPort, Name: "httpport", DisplayName: "HTTP port", Type: models.ValueTypeInt, MinValue: f(1), MaxValue: f(65535)},
				{ID: ParamAsync, Name: "async", DisplayName: "Async setup", Type: models.ValueTypeBool, DefaultValue: false},
				{ID: ParamBroken, Name: "broken", DisplayName: "Fail setup", Type: models.ValueTypeBool, DefaultValue: false},
			},
			SettingsTypes: []models.ParamType{
				{ID: "pollInterval", Name: "pollInterval", DisplayName: "Poll interval (s)", Type: models.ValueTypeInt, DefaultValue: 60, MinValue: f(1), MaxValue: f(3600)},
			},
			DiscoveryParamTypes: []models.ParamType{
				{ID: ParamResultCount, Name: "resultCount", DisplayName: "Result count", Type: models.ValueTypeInt, DefaultValue: 1, MinValue: f(0), MaxValue: f(25)},
			},
			StateTypes: []models.StateType{
				{ID: StatePower, Name: "power", DisplayName: "Power", Type: models.ValueTypeBool, DefaultValue: false, Writable: true, Cached: true},
				{ID: StatePercentage, Name: "percentage", DisplayName: "Percentage", Type: models.ValueTypeInt, DefaultValue: 0, MinValue: f(0), MaxValue: f(100), Writable: true},
			},
			EventTypes: []models.EventType{
				{ID: EventPressed, Name: "pressed", DisplayName: "Button pressed"},
			},
			ActionTypes: []models.ActionType{
				{ID: ActionNoop, Name: "noop", DisplayName: "Do nothing"},
				{ID: ActionFailing, Name: "failing", DisplayName: "Always fails"},
			},
			Browsable: true,
		},
		{
			ID:            DisplayPinClassID,
			VendorID:      VendorID,
			PluginID:      PluginID,
			Name:          "mockDisplayPin",
			DisplayName:   "Mock Display-Pin Device",
			CreateMethods: []models.CreateMethod{models.CreateMethodJustAdd, models.CreateMethodDiscovery},
			SetupMethod:   models.SetupMethodDisplayPin,
			PairingInfo:   "Please enter the pin shown on the device",
			ParamTypes: []models.ParamType{
				{ID: ParamHTTPPort, Name: "httpport", DisplayName: "HTTP port", Type: models.ValueTypeInt, DefaultValue: 1337, MinValue: f(1), MaxValue: f(65535)},
			},
			StateTypes: []models.StateType{
				{ID: StatePower, Name: "power", DisplayName: "Power", Type: models.ValueTypeBool, DefaultValue: false, Writable: true},
			},
		},
		{
			ID:            ParentClassID,
			VendorID:      VendorID,
			PluginID:      PluginID,
			Name:          "mockParent",
			DisplayName:   "Mock Parent Device",
			CreateMethods: []models.CreateMethod{models.CreateMethodJustAdd},
			SetupMethod:   models.SetupMethodJustAdd,
		},
		{
			ID:            ChildClassID,
			VendorID:      VendorID,
			PluginID:      PluginID,
			Name:          "mockChild",
			DisplayName:   "Mock Child Device",
			CreateMethods: []models.CreateMethod{models.CreateMethodAuto},
			SetupMethod:   models.SetupMethodJustAdd,
			StateTypes: []models.StateType{
				{ID: StatePower, Name: "power", DisplayName: "Power", Type: models.ValueTypeBool, DefaultValue: false, Writable: true},
			},
		},
		{
			ID:            IOClassID,
			VendorID:      VendorID,
			PluginID:      PluginID,
			Name:          "mockIO",
			DisplayName:   "Mock Generic IO",
			CreateMethods: []models.CreateMethod{models.CreateMethodJustAdd},
			SetupMethod:   models.SetupMethodJustAdd,
			StateTypes: []models.StateType{
				{ID: StateDigitalIn, Name: "digitalIn", DisplayName: "Digital in", Type: models.ValueTypeBool, DefaultValue: false, Writable: true},
				{ID: StateDigitalOut, Name: "digitalOut", DisplayName: "Digital out", Type: models.ValueTypeBool, DefaultValue: false, Writable: true},
				{ID: StateAnalogIn, Name: "analogIn", DisplayName: "Analog in", Type: models.ValueTypeDouble, DefaultValue: 0.0, MinValue: f(0), MaxValue: f(10), Writable: true},
				{ID: StateAnalogOut, Name: "analogOut", DisplayName: "Analog out", Type: models.ValueTypeDouble, DefaultValue: 0.0, MinValue: f(0), MaxValue: f(100), Writable: true},
				{ID: StateSensed, Name: "sensed", DisplayName: "Sensed", Type: models.ValueTypeBool, DefaultValue: false},
			},
		},
	}
}

// BrowserItemActionTypes declares the plugin-scoped star action, usable
// on browser items of any of this plugin's browsable classes.
func (p *Plugin) BrowserItemActionTypes() []models.BrowserItemActionType {
	return []models.BrowserItemActionType{
		{ID: BrowserItemActionStar, Name: "star", DisplayName: "Star item"},
	}
}

// Translations ships a German table for the pairing prompt.
func (p *Plugin) Translations() map[string]map[string]string {
	return map[string]map[string]string{
		"de": {
			"Please enter the pin shown on the device": "Bitte die auf dem Gerät angezeigte PIN eingeben",
			"Invalid pin":                              "Ungültige PIN",
		},
	}
}

// ── Discovery ───────────────────────────────────────────────

func (p *Plugin) DiscoverThings(info *plugins.DiscoveryInfo) {
	count := int(asInt(info.Params.Value(ParamResultCount)))
	if info.ThingClassID == DisplayPinClassID {
		count = 1
	}
	for i := 0; i < count; i++ {
		port := 1337 + i
		info.AddThingDescriptor(models.ThingDescriptor{
			ThingClassID: info.ThingClassID,
			Title:        fmt.Sprintf("Mock Device (port %d)", port),
			Description:  "A simulated device",
			Params:       models.ParamList{{ParamTypeID: ParamHTTPPort, Value: port}},
		})
	}
	info.Finish(models.ThingErrorNoError)
}

// ── Setup ───────────────────────────────────────────────────

func (p *Plugin) SetupThing(info *plugins.SetupInfo) {
	broken, _ := info.Thing.Params.Value(ParamBroken).(bool)
	async, _ := info.Thing.Params.Value(ParamAsync).(bool)

	finish := func() {
		if broken {
			info.Finish(models.ThingErrorHardwareFailure, "the mock device is broken")
			return
		}
		info.Finish(models.ThingErrorNoError)
	}

	delay := p.setupDelay()
	if async || delay > 0 {
		time.AfterFunc(delay+time.Millisecond, finish)
		return
	}
	finish()
}

func (p *Plugin) setupDelay() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.SetupDelay
}

// PostSetupThing announces the auto child of a freshly set up parent.
func (p *Plugin) PostSetupThing(thing *models.Thing) {
	if thing.ThingClassID != ParentClassID {
		return
	}
	host := p.Host()
	if host == nil {
		return
	}
	host.ThingsAppeared([]models.ThingDescriptor{
		{
			ThingClassID: ChildClassID,
			Title:        thing.Name + " Child",
			ParentID:     thing.ID,
		},
	})
}

// ── Pairing ─────────────────────────────────────────────────

func (p *Plugin) StartPairing(info *plugins.PairingInfo) {
	if info.ThingClassID != DisplayPinClassID {
		info.Finish(models.ThingErrorSetupMethodNotSupported)
		return
	}
	info.Finish(models.ThingErrorNoError, "Please enter the pin shown on the device")
}

func (p *Plugin) ConfirmPairing(info *plugins.PairingInfo, username, secret string) {
	if secret != DisplayPin {
		info.Finish(models.ThingErrorAuthenticationFailure, "Invalid pin")
		return
	}
	info.Finish(models.ThingErrorNoError)
}

// ── Actions ─────────────────────────────────────────────────

func (p *Plugin) ExecuteAction(info *plugins.ActionInfo) {
	switch info.Action.ActionTypeID {
	case ActionNoop:
		info.Finish(models.ThingErrorNoError)
	case ActionFailing:
		info.Finish(models.ThingErrorHardwareFailure, "the mock device refuses")
	default:
		// Synthetic set-state action: apply the value and report it back.
		value := info.Action.Params.Value(info.Action.ActionTypeID)
		if host := p.Host(); host != nil {
			host.SetStateValue(info.Thing.ID, info.Action.ActionTypeID, value)
		}
		info.Finish(models.ThingErrorNoError)
	}
}

// ── Browsing ────────────────────────────────────────────────

func (p *Plugin) BrowseThing(result *plugins.BrowseResult) {
	switch result.ItemID {
	case "":
		result.AddItems(models.BrowserItem{
			ID:          BrowserItemFolder,
			DisplayName: "Folder",
			Browsable:   true,
		})
	case BrowserItemFolder:
		result.AddItems(models.BrowserItem{
			ID:            BrowserItemSong,
			DisplayName:   "Song",
			Executable:    true,
			ActionTypeIDs: []string{BrowserItemActionStar},
		})
	default:
		result.Finish(models.ThingErrorItemNotFound)
		return
	}
	result.Finish(models.ThingErrorNoError)
}

func (p *Plugin) BrowserItem(result *plugins.BrowserItemResult) {
	switch result.ItemID {
	case BrowserItemFolder:
		result.SetItem(models.BrowserItem{ID: BrowserItemFolder, DisplayName: "Folder", Browsable: true})
	case BrowserItemSong:
		result.SetItem(models.BrowserItem{ID: BrowserItemSong, DisplayName: "Song", Executable: true})
	default:
		result.Finish(models.ThingErrorItemNotFound)
		return
	}
	result.Finish(models.ThingErrorNoError)
}

func (p *Plugin) ExecuteBrowserItem(info *plugins.BrowserActionInfo) {
	if info.ItemID != BrowserItemSong {
		info.Finish(models.ThingErrorItemNotExecutable)
		return
	}
	info.Finish(models.ThingErrorNoError)
}

func (p *Plugin) ExecuteBrowserItemAction(info *plugins.BrowserItemActionInfo) {
	if info.ActionTypeID != BrowserItemActionStar {
		info.Finish(models.ThingErrorActionTypeNotFound)
		return
	}
	info.Finish(models.ThingErrorNoError)
}

// ── Signals for tests ───────────────────────────────────────

// PressButton emits the pressed event on a thing.
func (p *Plugin) PressButton(thingID string) {
	if host := p.Host(); host != nil {
		host.EmitEvent(models.Event{ThingID: thingID, EventTypeID: EventPressed, Timestamp: time.Now()})
	}
}

// ReportState simulates the device reporting a state value.
func (p *Plugin) ReportState(thingID, stateTypeID string, value interface{}) {
	if host := p.Host(); host != nil {
		host.SetStateValue(thingID, stateTypeID, value)
	}
}

// LimitState applies per-thing min/max overrides on a state, as a
// device reporting its actual capabilities would. Nil clears.
func (p *Plugin) LimitState(thingID, stateTypeID string, min, max *float64) {
	if host := p.Host(); host != nil {
		host.SetStateMinValue(thingID, stateTypeID, min)
		host.SetStateMaxValue(thingID, stateTypeID, max)
	}
}

// RestrictState replaces the allowed-values set of a state. Empty clears.
func (p *Plugin) RestrictState(thingID, stateTypeID string, values []interface{}) {
	if host := p.Host(); host != nil {
		host.SetStateAllowedValues(thingID, stateTypeID, values)
	}
}

// Disappear withdraws a thing, as a vanished auto device would.
func (p *Plugin) Disappear(thingID string) {
	if host := p.Host(); host != nil {
		host.ThingDisappeared(thingID)
	}
}

func asInt(v interface{}) int64 {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int64:
		return n
	case float64:
		return int64(n)
	}
	return 0
}
