// Package models defines the shared data model of the hearthd integration
// core: vendors, thing classes and their type declarations, configured
// things, browser items, IO connections and pairing transactions.
//
// Everything here is plain data. Behaviour lives in the internal packages
// (catalog validation, lifecycle orchestration, IO propagation); models is
// imported by all of them and must not import any of them.
package models

import (
	"fmt"
	"time"
)

// ══════════════════════════════════════════════════════════════
// ── Enumerations ─────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

// ValueType is the wire type of a param, state, event-param or action-param
// value.
type ValueType string

const (
	ValueTypeBool      ValueType = "bool"
	ValueTypeInt       ValueType = "int"
	ValueTypeUint      ValueType = "uint"
	ValueTypeDouble    ValueType = "double"
	ValueTypeString    ValueType = "string"
	ValueTypeColor     ValueType = "color"     // "#rrggbb"
	ValueTypeTime      ValueType = "time"      // "15:04"
	ValueTypeTimestamp ValueType = "timestamp" // unix seconds
)

// Numeric reports whether values of this type are ordered numbers.
func (v ValueType) Numeric() bool {
	switch v {
	case ValueTypeInt, ValueTypeUint, ValueTypeDouble:
		return true
	}
	return false
}

// CreateMethod describes how a thing of a class can come into existence.
type CreateMethod string

const (
	CreateMethodJustAdd   CreateMethod = "JustAdd"
	CreateMethodDiscovery CreateMethod = "Discovery"
	CreateMethodAuto      CreateMethod = "Auto"
)

// SetupMethod describes the user interaction required to finish setup.
type SetupMethod string

const (
	SetupMethodJustAdd         SetupMethod = "JustAdd"
	SetupMethodDisplayPin      SetupMethod = "DisplayPin"
	SetupMethodEnterPin        SetupMethod = "EnterPin"
	SetupMethodPushButton      SetupMethod = "PushButton"
	SetupMethodUserAndPassword SetupMethod = "UserAndPassword"
	SetupMethodOAuth           SetupMethod = "OAuth"
)

// SetupStatus is the lifecycle state of a configured thing.
type SetupStatus string

const (
	SetupStatusNone       SetupStatus = "None"
	SetupStatusInProgress SetupStatus = "InProgress"
	SetupStatusComplete   SetupStatus = "Complete"
	SetupStatusFailed     SetupStatus = "Failed"
)

// ThingError is the single error taxonomy shared by the core, the plugins
// and the JSON-RPC surface. The zero value is not valid; use NoError.
type ThingError string

const (
	ThingErrorNoError                    ThingError = "NoError"
	ThingErrorThingNotFound              ThingError = "ThingNotFound"
	ThingErrorThingClassNotFound         ThingError = "ThingClassNotFound"
	ThingErrorStateTypeNotFound          ThingError = "StateTypeNotFound"
	ThingErrorActionTypeNotFound         ThingError = "ActionTypeNotFound"
	ThingErrorItemNotFound               ThingError = "ItemNotFound"
	ThingErrorItemNotExecutable          ThingError = "ItemNotExecutable"
	ThingErrorMissingParameter           ThingError = "MissingParameter"
	ThingErrorInvalidParameter           ThingError = "InvalidParameter"
	ThingErrorParameterNotWritable       ThingError = "ParameterNotWritable"
	ThingErrorPluginNotFound             ThingError = "PluginNotFound"
	ThingErrorSetupFailed                ThingError = "SetupFailed"
	ThingErrorCreationMethodNotSupported ThingError = "CreationMethodNotSupported"
	ThingErrorSetupMethodNotSupported    ThingError = "SetupMethodNotSupported"
	ThingErrorAuthenticationFailure      ThingError = "AuthenticationFailure"
	ThingErrorHardwareNotAvailable       ThingError = "HardwareNotAvailable"
	ThingErrorHardwareFailure            ThingError = "HardwareFailure"
	ThingErrorDuplicateId                ThingError = "DuplicateId"
	ThingErrorThingInUse                 ThingError = "ThingInUse"
	ThingErrorThingIsChild               ThingError = "ThingIsChild"
	ThingErrorTimeout                    ThingError = "Timeout"
	ThingErrorAborted                    ThingError = "Aborted"
)

// OK reports whether the error represents success.
func (e ThingError) OK() bool { return e == ThingErrorNoError || e == "" }

// ══════════════════════════════════════════════════════════════
// ── Type catalog entities ────────────────────────────────────
// ══════════════════════════════════════════════════════════════

// Vendor identifies the manufacturer or service a thing class belongs to.
type Vendor struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	DisplayName string `json:"displayName"`
}

// ParamType declares one configuration parameter of a thing class, a
// plugin, or a discovery request. It also doubles as the bounds
// declaration reused by StateType.
type ParamType struct {
	ID            string        `json:"id"`
	Name          string        `json:"name"`
	DisplayName   string        `json:"displayName"`
	Type          ValueType     `json:"type"`
	DefaultValue  interface{}   `json:"defaultValue,omitempty"`
	MinValue      *float64      `json:"minValue,omitempty"`
	MaxValue      *float64      `json:"maxValue,omitempty"`
	AllowedValues []interface{} `json:"allowedValues,omitempty"`
	Unit          string        `json:"unit,omitempty"`
	ReadOnly      bool          `json:"readOnly,omitempty"`
}

// StateType declares one observable value of a thing class. A writable
// state type implies a synthetic ActionType and EventType with the same id.
type StateType struct {
	ID            string        `json:"id"`
	Name          string        `json:"name"`
	DisplayName   string        `json:"displayName"`
	Type          ValueType     `json:"type"`
	DefaultValue  interface{}   `json:"defaultValue,omitempty"`
	MinValue      *float64      `json:"minValue,omitempty"`
	MaxValue      *float64      `json:"maxValue,omitempty"`
	AllowedValues []interface{} `json:"allowedValues,omitempty"`
	Unit          string        `json:"unit,omitempty"`
	Writable      bool          `json:"writable,omitempty"`
	Cached        bool          `json:"cached,omitempty"`
	Loggable      bool          `json:"loggable,omitempty"`
	Filter        string        `json:"filter,omitempty"`
}

// Digital reports whether the state carries a bool value.
func (st *StateType) Digital() bool { return st.Type == ValueTypeBool }

// Analog reports whether the state carries a bounded numeric value.
// Unbounded numeric states are opaque for IO-connection purposes.
func (st *StateType) Analog() bool {
	return st.Type.Numeric() && st.MinValue != nil && st.MaxValue != nil
}

// EventType declares one event a thing class can emit.
type EventType struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	DisplayName string      `json:"displayName"`
	ParamTypes  []ParamType `json:"paramTypes,omitempty"`
}

// ActionType declares one command a thing class accepts.
type ActionType struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	DisplayName string      `json:"displayName"`
	ParamTypes  []ParamType `json:"paramTypes,omitempty"`
	Browsable   bool        `json:"browsable,omitempty"`
}

// BrowserItemActionType declares an action attached to a browser item
// rather than to the thing itself.
type BrowserItemActionType struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	DisplayName string      `json:"displayName"`
	ParamTypes  []ParamType `json:"paramTypes,omitempty"`
}

// ThingClass is the static type of a thing: which vendor and plugin it
// belongs to, how instances are created and set up, and the full set of
// param/state/event/action declarations.
type ThingClass struct {
	ID                     string                  `json:"id"`
	VendorID               string                  `json:"vendorId"`
	PluginID               string                  `json:"pluginId"`
	Name                   string                  `json:"name"`
	DisplayName            string                  `json:"displayName"`
	CreateMethods          []CreateMethod          `json:"createMethods"`
	SetupMethod            SetupMethod             `json:"setupMethod"`
	Interfaces             []string                `json:"interfaces,omitempty"`
	ParamTypes             []ParamType             `json:"paramTypes,omitempty"`
	SettingsTypes          []ParamType             `json:"settingsTypes,omitempty"`
	DiscoveryParamTypes    []ParamType             `json:"discoveryParamTypes,omitempty"`
	PairingInfo            string                  `json:"pairingInfo,omitempty"`
	StateTypes             []StateType             `json:"stateTypes,omitempty"`
	EventTypes             []EventType             `json:"eventTypes,omitempty"`
	ActionTypes            []ActionType            `json:"actionTypes,omitempty"`
	BrowserItemActionTypes []BrowserItemActionType `json:"browserItemActionTypes,omitempty"`
	Browsable              bool                    `json:"browsable,omitempty"`
}

// HasCreateMethod reports whether the class supports the given method.
func (tc *ThingClass) HasCreateMethod(m CreateMethod) bool {
	for _, cm := range tc.CreateMethods {
		if cm == m {
			return true
		}
	}
	return false
}

// ParamType returns the param type with the given id, or nil.
func (tc *ThingClass) ParamType(id string) *ParamType {
	for i := range tc.ParamTypes {
		if tc.ParamTypes[i].ID == id {
			return &tc.ParamTypes[i]
		}
	}
	return nil
}

// SettingsType returns the settings type with the given id, or nil.
func (tc *ThingClass) SettingsType(id string) *ParamType {
	for i := range tc.SettingsTypes {
		if tc.SettingsTypes[i].ID == id {
			return &tc.SettingsTypes[i]
		}
	}
	return nil
}

// StateType returns the state type with the given id, or nil.
func (tc *ThingClass) StateType(id string) *StateType {
	for i := range tc.StateTypes {
		if tc.StateTypes[i].ID == id {
			return &tc.StateTypes[i]
		}
	}
	return nil
}

// EventType returns the event type with the given id, or nil. Writable
// state types answer here too: their synthetic change event shares the
// state type id.
func (tc *ThingClass) EventType(id string) *EventType {
	for i := range tc.EventTypes {
		if tc.EventTypes[i].ID == id {
			return &tc.EventTypes[i]
		}
	}
	return nil
}

// ActionType returns the action type with the given id, or nil. Writable
// state types answer here too: their synthetic action shares the state
// type id.
func (tc *ThingClass) ActionType(id string) *ActionType {
	for i := range tc.ActionTypes {
		if tc.ActionTypes[i].ID == id {
			return &tc.ActionTypes[i]
		}
	}
	return nil
}

// BrowserItemActionType returns the browser-item action type with the
// given id, or nil.
func (tc *ThingClass) BrowserItemActionType(id string) *BrowserItemActionType {
	for i := range tc.BrowserItemActionTypes {
		if tc.BrowserItemActionTypes[i].ID == id {
			return &tc.BrowserItemActionTypes[i]
		}
	}
	return nil
}

// ══════════════════════════════════════════════════════════════
// ── Params ───────────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

// Param is one configured value, keyed by its param type.
type Param struct {
	ParamTypeID string      `json:"paramTypeId"`
	Value       interface{} `json:"value"`
}

// ParamList is an ordered sequence of params with unique param type ids.
type ParamList []Param

// Has reports whether the list carries a param for the given type.
func (pl ParamList) Has(paramTypeID string) bool {
	for _, p := range pl {
		if p.ParamTypeID == paramTypeID {
			return true
		}
	}
	return false
}

// Value returns the value for the given param type, or nil.
func (pl ParamList) Value(paramTypeID string) interface{} {
	for _, p := range pl {
		if p.ParamTypeID == paramTypeID {
			return p.Value
		}
	}
	return nil
}

// Set replaces or appends the param for the given type and returns the
// updated list.
func (pl ParamList) Set(paramTypeID string, value interface{}) ParamList {
	for i, p := range pl {
		if p.ParamTypeID == paramTypeID {
			pl[i].Value = value
			return pl
		}
	}
	return append(pl, Param{ParamTypeID: paramTypeID, Value: value})
}

// Clone returns a deep-enough copy: the slice is copied, values are shared
// (values are JSON scalars after validation).
func (pl ParamList) Clone() ParamList {
	if pl == nil {
		return nil
	}
	out := make(ParamList, len(pl))
	copy(out, pl)
	return out
}

// Equal reports whether both lists carry the same set of (id, value)
// pairs, ignoring order. Values are compared via fmt.Sprint which is
// adequate for the JSON scalar types params hold after validation.
func (pl ParamList) Equal(other ParamList) bool {
	if len(pl) != len(other) {
		return false
	}
	for _, p := range pl {
		if !other.Has(p.ParamTypeID) {
			return false
		}
		if fmt.Sprint(other.Value(p.ParamTypeID)) != fmt.Sprint(p.Value) {
			return false
		}
	}
	return true
}

// ══════════════════════════════════════════════════════════════
// ── Things ───────────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

// State is the live value of one state type on a configured thing,
// together with per-thing bound overrides a plugin may apply.
type State struct {
	StateTypeID   string        `json:"stateTypeId"`
	Value         interface{}   `json:"value"`
	MinValue      *float64      `json:"minValue,omitempty"`
	MaxValue      *float64      `json:"maxValue,omitempty"`
	AllowedValues []interface{} `json:"allowedValues,omitempty"`
}

// Thing is a configured instance of a thing class.
//
// Invariants maintained by the lifecycle engine:
//   - params carries exactly one entry per non-readOnly ParamType of the class
//   - states carries exactly one entry per StateType of the class
//   - ParentID, when set, names an existing thing
type Thing struct {
	ID           string            `json:"id"`
	ThingClassID string            `json:"thingClassId"`
	PluginID     string            `json:"pluginId"`
	Name         string            `json:"name"`
	ParentID     string            `json:"parentId,omitempty"`
	Params       ParamList         `json:"params"`
	Settings     ParamList         `json:"settings,omitempty"`
	States       map[string]*State `json:"states,omitempty"` // key: stateTypeId
	SetupStatus  SetupStatus       `json:"setupStatus"`
	SetupError   ThingError        `json:"setupError,omitempty"`
	AutoCreated  bool              `json:"autoCreated,omitempty"`
	CreatedAt    time.Time         `json:"createdAt"`
}

// State returns the live state for the given state type, or nil.
func (t *Thing) State(stateTypeID string) *State {
	return t.States[stateTypeID]
}

// Clone returns a copy safe to hand across the dispatcher boundary.
// Params and settings slices are copied; state entries are copied by value.
func (t *Thing) Clone() *Thing {
	out := *t
	out.Params = t.Params.Clone()
	out.Settings = t.Settings.Clone()
	out.States = make(map[string]*State, len(t.States))
	for id, s := range t.States {
		sc := *s
		out.States[id] = &sc
	}
	return &out
}

// ThingDescriptor is one discovery (or auto-appearance) result. ThingID is
// set when the descriptor corresponds to an already configured thing,
// which turns a subsequent add into a reconfigure.
type ThingDescriptor struct {
	ID           string    `json:"id"`
	ThingClassID string    `json:"thingClassId"`
	Title        string    `json:"title"`
	Description  string    `json:"description,omitempty"`
	ThingID      string    `json:"thingId,omitempty"`
	ParentID     string    `json:"parentId,omitempty"`
	Params       ParamList `json:"params,omitempty"`
}

// ══════════════════════════════════════════════════════════════
// ── Events & actions ─────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

// Event is an occurred event on a thing, delivered on the event bus.
type Event struct {
	ThingID     string    `json:"thingId"`
	EventTypeID string    `json:"eventTypeId"`
	Params      ParamList `json:"params,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Action is a command to execute on a thing.
type Action struct {
	ThingID      string    `json:"thingId"`
	ActionTypeID string    `json:"actionTypeId"`
	Params       ParamList `json:"params,omitempty"`
}

// ══════════════════════════════════════════════════════════════
// ── Browsing ─────────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

// BrowserItem is one node in the tree a browsable thing exposes. Item ids
// are opaque, plugin-scoped strings.
type BrowserItem struct {
	ID                 string            `json:"id"`
	DisplayName        string            `json:"displayName"`
	Description        string            `json:"description,omitempty"`
	Icon               string            `json:"icon,omitempty"`
	Thumbnail          string            `json:"thumbnail,omitempty"`
	Executable         bool              `json:"executable,omitempty"`
	Browsable          bool              `json:"browsable,omitempty"`
	Disabled           bool              `json:"disabled,omitempty"`
	ActionTypeIDs      []string          `json:"actionTypeIds,omitempty"`
	ExtendedProperties map[string]string `json:"extendedProperties,omitempty"`
}

// ══════════════════════════════════════════════════════════════
// ── IO connections ───────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

// IOConnection pipes an input state of one thing into a writable output
// state of another, with optional inversion.
type IOConnection struct {
	ID                string `json:"id"`
	InputThingID      string `json:"inputThingId"`
	InputStateTypeID  string `json:"inputStateTypeId"`
	OutputThingID     string `json:"outputThingId"`
	OutputStateTypeID string `json:"outputStateTypeId"`
	Inverted          bool   `json:"inverted,omitempty"`
}

// ══════════════════════════════════════════════════════════════
// ── Pairing ──────────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

// PairingTransactionStatus tracks a pairing transaction through its life.
type PairingTransactionStatus string

const (
	PairingCreated              PairingTransactionStatus = "Created"
	PairingAwaitingConfirmation PairingTransactionStatus = "AwaitingConfirmation"
	PairingConfirmed            PairingTransactionStatus = "Confirmed"
	PairingFailed               PairingTransactionStatus = "Failed"
	PairingExpired              PairingTransactionStatus = "Expired"
)

// PairingTransaction is the server-side handle for a multi-step setup.
// ThingID is set when the transaction reconfigures an existing thing.
type PairingTransaction struct {
	ID           string                   `json:"id"`
	ThingClassID string                   `json:"thingClassId"`
	ThingID      string                   `json:"thingId,omitempty"`
	Name         string                   `json:"name"`
	Params       ParamList                `json:"params,omitempty"`
	ParentID     string                   `json:"parentId,omitempty"`
	SetupMethod  SetupMethod              `json:"setupMethod"`
	OAuthURL     string                   `json:"oAuthUrl,omitempty"`
	Status       PairingTransactionStatus `json:"status"`
	CreatedAt    time.Time                `json:"createdAt"`
}

// ══════════════════════════════════════════════════════════════
// ── Plugins ──────────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

// PluginMetadata describes a loaded integration plugin and its
// plugin-level configuration surface.
type PluginMetadata struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	DisplayName string      `json:"displayName"`
	ParamTypes  []ParamType `json:"paramTypes,omitempty"`
}
