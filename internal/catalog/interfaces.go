package catalog

import "github.com/hearthd/hearthd/pkg/models"

// interfaceDef is the structural requirement behind a named thing-class
// interface: states (by name, with value type and writability), events
// and actions the class must declare.
type interfaceDef struct {
	states  []stateReq
	events  []string
	actions []string
}

type stateReq struct {
	name     string
	types    []models.ValueType // empty = any
	writable bool
}

// builtinInterfaces is the set of interfaces hearthd knows about. A class
// may declare any subset; declarations the class does not structurally
// satisfy are dropped at registration.
var builtinInterfaces = map[string]interfaceDef{
	"connectable": {
		states: []stateReq{{name: "connected", types: []models.ValueType{models.ValueTypeBool}}},
	},
	"power": {
		states: []stateReq{{name: "power", types: []models.ValueType{models.ValueTypeBool}, writable: true}},
	},
	"light": {
		states: []stateReq{{name: "power", types: []models.ValueType{models.ValueTypeBool}, writable: true}},
	},
	"dimmablelight": {
		states: []stateReq{
			{name: "power", types: []models.ValueType{models.ValueTypeBool}, writable: true},
			{name: "brightness", types: []models.ValueType{models.ValueTypeInt, models.ValueTypeDouble}, writable: true},
		},
	},
	"colorlight": {
		states: []stateReq{
			{name: "power", types: []models.ValueType{models.ValueTypeBool}, writable: true},
			{name: "color", types: []models.ValueType{models.ValueTypeColor}, writable: true},
		},
	},
	"temperaturesensor": {
		states: []stateReq{{name: "temperature", types: []models.ValueType{models.ValueTypeDouble}}},
	},
	"humiditysensor": {
		states: []stateReq{{name: "humidity", types: []models.ValueType{models.ValueTypeDouble, models.ValueTypeInt}}},
	},
	"presencesensor": {
		states: []stateReq{{name: "isPresent", types: []models.ValueType{models.ValueTypeBool}}},
	},
	"battery": {
		states: []stateReq{
			{name: "batteryLevel", types: []models.ValueType{models.ValueTypeInt, models.ValueTypeDouble}},
			{name: "batteryCritical", types: []models.ValueType{models.ValueTypeBool}},
		},
	},
	"button": {
		events: []string{"pressed"},
	},
	"mediacontroller": {
		actions: []string{"play", "pause", "stop"},
	},
}

// SatisfiesInterfaces returns the subset of the class's declared
// interfaces it structurally satisfies. Unknown interface names are never
// satisfied.
func SatisfiesInterfaces(tc *models.ThingClass) []string {
	var satisfied []string
	for _, name := range tc.Interfaces {
		def, known := builtinInterfaces[name]
		if !known {
			continue
		}
		if classSatisfies(tc, def) {
			satisfied = append(satisfied, name)
		}
	}
	return satisfied
}

func classSatisfies(tc *models.ThingClass, def interfaceDef) bool {
	for _, req := range def.states {
		st := stateTypeByName(tc, req.name)
		if st == nil {
			return false
		}
		if req.writable && !st.Writable {
			return false
		}
		if len(req.types) > 0 && !containsType(req.types, st.Type) {
			return false
		}
	}
	for _, name := range def.events {
		if eventTypeByName(tc, name) == nil {
			return false
		}
	}
	for _, name := range def.actions {
		if actionTypeByName(tc, name) == nil {
			return false
		}
	}
	return true
}

func stateTypeByName(tc *models.ThingClass, name string) *models.StateType {
	for i := range tc.StateTypes {
		if tc.StateTypes[i].Name == name {
			return &tc.StateTypes[i]
		}
	}
	return nil
}

func eventTypeByName(tc *models.ThingClass, name string) *models.EventType {
	for i := range tc.EventTypes {
		if tc.EventTypes[i].Name == name {
			return &tc.EventTypes[i]
		}
	}
	return nil
}

func actionTypeByName(tc *models.ThingClass, name string) *models.ActionType {
	for i := range tc.ActionTypes {
		if tc.ActionTypes[i].Name == name {
			return &tc.ActionTypes[i]
		}
	}
	return nil
}

func containsType(types []models.ValueType, t models.ValueType) bool {
	for _, vt := range types {
		if vt == t {
			return true
		}
	}
	return false
}
