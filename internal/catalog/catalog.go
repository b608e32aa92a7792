// Package catalog implements the hearthd type catalog: the per-plugin
// registry of vendors, thing classes and their param/state/event/action
// type declarations.
//
// The catalog is populated when a plugin is registered and torn down when
// the plugin is unregistered; between those two points it is immutable.
// All instance data entering the core — params from the API, state values
// from plugins, descriptors from discovery, revived things from disk —
// is validated against the catalog through ValidateParams, so every
// boundary applies the same rules.
package catalog

import (
	"sync"

	"github.com/hearthd/hearthd/pkg/models"
	"github.com/rs/zerolog/log"
)

// Catalog is a thread-safe registry of everything the loaded plugins offer.
type Catalog struct {
	mu      sync.RWMutex
	plugins map[string]*models.PluginMetadata
	vendors map[string]*models.Vendor
	classes map[string]*models.ThingClass

	// Plugin-scoped browser-item action types, addressable from any class
	// of the owning plugin. key: pluginID → actionTypeID.
	browserItemActions map[string]map[string]*models.BrowserItemActionType

	// Ownership index for unregister. key: pluginID.
	ownedVendors map[string][]string
	ownedClasses map[string][]string
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{
		plugins:            make(map[string]*models.PluginMetadata),
		vendors:            make(map[string]*models.Vendor),
		classes:            make(map[string]*models.ThingClass),
		browserItemActions: make(map[string]map[string]*models.BrowserItemActionType),
		ownedVendors:       make(map[string][]string),
		ownedClasses:       make(map[string][]string),
	}
}

// RegisterPlugin adds a plugin's type declarations to the catalog.
//
// A duplicate plugin id rejects the whole registration with DuplicateId.
// Duplicate vendor or class ids within an otherwise valid plugin are
// logged and dropped rather than failing the plugin. A class naming an
// unknown vendor is dropped with a warning. Declared interfaces that the
// class does not structurally satisfy are silently filtered. Writable
// state types are materialized as synthetic action and event types
// sharing the state type id.
func (c *Catalog) RegisterPlugin(meta models.PluginMetadata, vendors []models.Vendor, classes []models.ThingClass, browserItemActions []models.BrowserItemActionType) models.ThingError {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.plugins[meta.ID]; exists {
		log.Warn().Str("plugin", meta.ID).Msg("Plugin id already registered")
		return models.ThingErrorDuplicateId
	}

	m := meta
	c.plugins[meta.ID] = &m

	for i := range vendors {
		v := vendors[i]
		if _, dup := c.vendors[v.ID]; dup {
			log.Warn().Str("plugin", meta.ID).Str("vendor", v.ID).Msg("Duplicate vendor id, dropping")
			continue
		}
		c.vendors[v.ID] = &v
		c.ownedVendors[meta.ID] = append(c.ownedVendors[meta.ID], v.ID)
	}

	for i := range classes {
		tc := classes[i]
		tc.PluginID = meta.ID
		if _, dup := c.classes[tc.ID]; dup {
			log.Warn().Str("plugin", meta.ID).Str("thingClass", tc.ID).Msg("Duplicate thing class id, dropping")
			continue
		}
		if _, ok := c.vendors[tc.VendorID]; !ok {
			log.Warn().Str("plugin", meta.ID).Str("thingClass", tc.Name).Str("vendor", tc.VendorID).Msg("Thing class names unknown vendor, dropping")
			continue
		}
		if name := unsatisfiableReadOnly(&tc); name != "" {
			log.Warn().Str("plugin", meta.ID).Str("thingClass", tc.Name).Str("paramType", name).Msg("ReadOnly param type has no default value, dropping class")
			continue
		}
		materializeWritableStates(&tc)
		tc.Interfaces = SatisfiesInterfaces(&tc)
		c.classes[tc.ID] = &tc
		c.ownedClasses[meta.ID] = append(c.ownedClasses[meta.ID], tc.ID)
	}

	if len(browserItemActions) > 0 {
		byID := make(map[string]*models.BrowserItemActionType, len(browserItemActions))
		for i := range browserItemActions {
			at := browserItemActions[i]
			if _, dup := byID[at.ID]; dup {
				log.Warn().Str("plugin", meta.ID).Str("actionType", at.ID).Msg("Duplicate browser item action type, dropping")
				continue
			}
			byID[at.ID] = &at
		}
		c.browserItemActions[meta.ID] = byID
	}

	log.Info().
		Str("plugin", meta.ID).
		Str("name", meta.Name).
		Int("vendors", len(c.ownedVendors[meta.ID])).
		Int("thing_classes", len(c.ownedClasses[meta.ID])).
		Msg("Plugin registered in catalog")
	return models.ThingErrorNoError
}

// UnregisterPlugin removes a plugin and everything it registered.
func (c *Catalog) UnregisterPlugin(pluginID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, id := range c.ownedClasses[pluginID] {
		delete(c.classes, id)
	}
	for _, id := range c.ownedVendors[pluginID] {
		delete(c.vendors, id)
	}
	delete(c.ownedClasses, pluginID)
	delete(c.ownedVendors, pluginID)
	delete(c.browserItemActions, pluginID)
	delete(c.plugins, pluginID)
}

// unsatisfiableReadOnly returns the name of a readOnly param type
// declared without a default value, or "". Such a param can never be
// filled: callers may not supply it and there is no default to fall
// back on, so the class is rejected up front.
func unsatisfiableReadOnly(tc *models.ThingClass) string {
	for _, list := range [][]models.ParamType{tc.ParamTypes, tc.SettingsTypes, tc.DiscoveryParamTypes} {
		for i := range list {
			if list[i].ReadOnly && list[i].DefaultValue == nil {
				return list[i].Name
			}
		}
	}
	return ""
}

// materializeWritableStates appends the synthetic action and event type
// for every writable state type, and the change event for every state
// that has one declared. The synthetic types share the state type id, so
// ExecuteAction and event subscriptions address them uniformly.
func materializeWritableStates(tc *models.ThingClass) {
	for i := range tc.StateTypes {
		st := &tc.StateTypes[i]
		param := models.ParamType{
			ID:            st.ID,
			Name:          st.Name,
			DisplayName:   st.DisplayName,
			Type:          st.Type,
			MinValue:      st.MinValue,
			MaxValue:      st.MaxValue,
			AllowedValues: st.AllowedValues,
			Unit:          st.Unit,
		}
		if tc.EventType(st.ID) == nil {
			tc.EventTypes = append(tc.EventTypes, models.EventType{
				ID:          st.ID,
				Name:        st.Name + "Changed",
				DisplayName: st.DisplayName + " changed",
				ParamTypes:  []models.ParamType{param},
			})
		}
		if st.Writable && tc.ActionType(st.ID) == nil {
			tc.ActionTypes = append(tc.ActionTypes, models.ActionType{
				ID:          st.ID,
				Name:        st.Name,
				DisplayName: "Set " + st.DisplayName,
				ParamTypes:  []models.ParamType{param},
			})
		}
	}
}

// ── Queries ─────────────────────────────────────────────────

// Plugins returns metadata for all registered plugins.
func (c *Catalog) Plugins() []models.PluginMetadata {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]models.PluginMetadata, 0, len(c.plugins))
	for _, p := range c.plugins {
		out = append(out, *p)
	}
	return out
}

// FindPlugin returns the metadata for a plugin id, or nil.
func (c *Catalog) FindPlugin(id string) *models.PluginMetadata {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if p, ok := c.plugins[id]; ok {
		out := *p
		return &out
	}
	return nil
}

// Vendors returns all registered vendors.
func (c *Catalog) Vendors() []models.Vendor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]models.Vendor, 0, len(c.vendors))
	for _, v := range c.vendors {
		out = append(out, *v)
	}
	return out
}

// ThingClasses returns all thing classes, optionally filtered by vendor.
func (c *Catalog) ThingClasses(vendorID string) []models.ThingClass {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []models.ThingClass
	for _, tc := range c.classes {
		if vendorID != "" && tc.VendorID != vendorID {
			continue
		}
		out = append(out, *tc)
	}
	return out
}

// FindThingClass returns the class with the given id, or nil.
func (c *Catalog) FindThingClass(id string) *models.ThingClass {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if tc, ok := c.classes[id]; ok {
		out := *tc
		return &out
	}
	return nil
}

// FindBrowserItemActionType resolves a browser-item action type for a
// class: class-scoped declarations win, then the owning plugin's
// plugin-scoped ones.
func (c *Catalog) FindBrowserItemActionType(tc *models.ThingClass, actionTypeID string) *models.BrowserItemActionType {
	if at := tc.BrowserItemActionType(actionTypeID); at != nil {
		return at
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if byID, ok := c.browserItemActions[tc.PluginID]; ok {
		if at, ok := byID[actionTypeID]; ok {
			out := *at
			return &out
		}
	}
	return nil
}
