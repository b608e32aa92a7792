// Package plugins hosts the integration plugins: it owns the inbound
// plugin interface, the async Info handles, and the Host that routes
// calls between the core and the plugins.
package plugins

import (
	"context"

	"github.com/hearthd/hearthd/pkg/models"
)

// Plugin is the inbound interface every integration plugin implements.
//
// Entry points are invoked on a single logical thread per plugin (the
// host serializes them). A plugin may spawn its own goroutines, but all
// results must flow back through the Info handle's Finish call or
// through the HostContext signals.
type Plugin interface {
	// Metadata describes the plugin and its configuration surface.
	Metadata() models.PluginMetadata

	// Vendors and ThingClasses populate the type catalog at load time.
	Vendors() []models.Vendor
	ThingClasses() []models.ThingClass

	// Init is called once after registration, with the host context the
	// plugin uses for outbound signals.
	Init(ctx context.Context, host HostContext) error

	// StartMonitoringAutoThings is called once, after all persisted
	// things have been revived, on plugins that declare auto things.
	StartMonitoringAutoThings()

	DiscoverThings(info *DiscoveryInfo)
	SetupThing(info *SetupInfo)
	PostSetupThing(thing *models.Thing)

	StartPairing(info *PairingInfo)
	ConfirmPairing(info *PairingInfo, username, secret string)

	ExecuteAction(info *ActionInfo)

	BrowseThing(result *BrowseResult)
	BrowserItem(result *BrowserItemResult)
	ExecuteBrowserItem(info *BrowserActionInfo)
	ExecuteBrowserItemAction(info *BrowserItemActionInfo)

	ThingRemoved(thing *models.Thing)
	PluginConfigurationChanged(config models.ParamList)
}

// BrowserItemActionProvider is implemented by plugins declaring
// plugin-scoped browser-item action types.
type BrowserItemActionProvider interface {
	BrowserItemActionTypes() []models.BrowserItemActionType
}

// TranslationProvider is implemented by plugins shipping translations for
// their display strings. The outer key is the locale ("de", "fr"), the
// inner key the untranslated English string.
type TranslationProvider interface {
	Translations() map[string]map[string]string
}

// HostContext is the outbound signal surface available to plugins.
// All methods are safe to call from any plugin goroutine; the host posts
// them onto the core dispatcher.
type HostContext interface {
	// ThingsAppeared announces auto things. Descriptors carrying a
	// ThingID are treated as reconfigurations of existing things.
	ThingsAppeared(descriptors []models.ThingDescriptor)

	// ThingDisappeared withdraws an auto-created thing. Ignored for
	// user-created things.
	ThingDisappeared(thingID string)

	// EmitEvent publishes a plugin-defined event on a thing.
	EmitEvent(event models.Event)

	// SetStateValue reports a new state value observed on a thing.
	SetStateValue(thingID, stateTypeID string, value interface{})

	// SetStateMinValue, SetStateMaxValue and SetStateAllowedValues
	// adjust the per-thing bounds of a state, narrowing or widening what
	// the state type declares. Nil (or empty) clears the override.
	SetStateMinValue(thingID, stateTypeID string, min *float64)
	SetStateMaxValue(thingID, stateTypeID string, max *float64)
	SetStateAllowedValues(thingID, stateTypeID string, values []interface{})
}

// PluginBase provides no-op implementations of the optional entry points
// so simple plugins only implement what they support.
type PluginBase struct{}

func (PluginBase) Init(ctx context.Context, host HostContext) error { return nil }
func (PluginBase) StartMonitoringAutoThings()                       {}
func (PluginBase) DiscoverThings(info *DiscoveryInfo) {
	info.Finish(models.ThingErrorCreationMethodNotSupported)
}
func (PluginBase) PostSetupThing(thing *models.Thing) {}
func (PluginBase) StartPairing(info *PairingInfo) {
	info.Finish(models.ThingErrorSetupMethodNotSupported)
}
func (PluginBase) ConfirmPairing(info *PairingInfo, username, secret string) {
	info.Finish(models.ThingErrorSetupMethodNotSupported)
}
func (PluginBase) ExecuteAction(info *ActionInfo) {
	info.Finish(models.ThingErrorActionTypeNotFound)
}
func (PluginBase) BrowseThing(result *BrowseResult) {
	result.Finish(models.ThingErrorItemNotFound)
}
func (PluginBase) BrowserItem(result *BrowserItemResult) {
	result.Finish(models.ThingErrorItemNotFound)
}
func (PluginBase) ExecuteBrowserItem(info *BrowserActionInfo) {
	info.Finish(models.ThingErrorItemNotExecutable)
}
func (PluginBase) ExecuteBrowserItemAction(info *BrowserItemActionInfo) {
	info.Finish(models.ThingErrorItemNotExecutable)
}
func (PluginBase) ThingRemoved(thing *models.Thing)                    {}
func (PluginBase) PluginConfigurationChanged(config models.ParamList) {}
