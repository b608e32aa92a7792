package plugins

import (
	"context"
	"fmt"
	"sync"

	"github.com/hearthd/hearthd/internal/catalog"
	"github.com/hearthd/hearthd/internal/events"
	"github.com/hearthd/hearthd/internal/store"
	"github.com/hearthd/hearthd/internal/translate"
	"github.com/hearthd/hearthd/pkg/models"
	"github.com/rs/zerolog/log"
)

// Host loads plugins, feeds the catalog their type declarations, and
// routes calls between the core and the plugins.
//
// Every plugin gets its own serialized call queue: entry points are
// invoked one at a time per plugin, never concurrently. Outbound plugin
// signals (auto things, events, state values) are forwarded to callbacks
// the lifecycle engine installs; the engine posts them onto its
// dispatcher, so the core's single-writer discipline holds.
type Host struct {
	catalog    *catalog.Catalog
	configs    store.PluginConfigStore
	bus        *events.Bus
	translator *translate.Registry

	mu      sync.RWMutex
	plugins map[string]Plugin
	queues  map[string]chan func()
	stopped bool
	wg      sync.WaitGroup

	// Outbound signal sinks, installed by the lifecycle engine before
	// any plugin is registered.
	sinks SignalSinks
}

// SignalSinks are the engine callbacks receiving outbound plugin
// signals. Unset entries drop the corresponding signal.
type SignalSinks struct {
	ThingsAppeared     func(pluginID string, descriptors []models.ThingDescriptor)
	ThingDisappeared   func(thingID string)
	Event              func(event models.Event)
	StateValue         func(thingID, stateTypeID string, value interface{})
	StateMinValue      func(thingID, stateTypeID string, min *float64)
	StateMaxValue      func(thingID, stateTypeID string, max *float64)
	StateAllowedValues func(thingID, stateTypeID string, values []interface{})
}

// NewHost creates a plugin host.
func NewHost(cat *catalog.Catalog, configs store.PluginConfigStore, bus *events.Bus, translator *translate.Registry) *Host {
	return &Host{
		catalog:    cat,
		configs:    configs,
		bus:        bus,
		translator: translator,
		plugins:    make(map[string]Plugin),
		queues:     make(map[string]chan func()),
	}
}

// SetSignalSinks installs the engine callbacks for outbound plugin
// signals. Must be called before Register.
func (h *Host) SetSignalSinks(sinks SignalSinks) {
	h.sinks = sinks
}

// Register loads one plugin: catalog registration, translation import,
// persisted configuration replay, queue startup and Init.
func (h *Host) Register(ctx context.Context, p Plugin) error {
	meta := p.Metadata()

	var browserItemActions []models.BrowserItemActionType
	if provider, ok := p.(BrowserItemActionProvider); ok {
		browserItemActions = provider.BrowserItemActionTypes()
	}

	if err := h.catalog.RegisterPlugin(meta, p.Vendors(), p.ThingClasses(), browserItemActions); !err.OK() {
		return fmt.Errorf("register plugin %s: %s", meta.ID, err)
	}

	if provider, ok := p.(TranslationProvider); ok && h.translator != nil {
		for locale, entries := range provider.Translations() {
			h.translator.Add(meta.ID, locale, entries)
		}
	}

	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return fmt.Errorf("host is stopped")
	}
	queue := make(chan func(), 64)
	h.plugins[meta.ID] = p
	h.queues[meta.ID] = queue
	h.mu.Unlock()

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		for fn := range queue {
			fn()
		}
	}()

	if err := p.Init(ctx, &hostContext{host: h, pluginID: meta.ID}); err != nil {
		return fmt.Errorf("init plugin %s: %w", meta.ID, err)
	}

	// Replay persisted plugin configuration.
	if cfg, err := h.configs.PluginConfiguration(ctx, meta.ID); err == nil && len(cfg) > 0 {
		h.Call(meta.ID, func(p Plugin) { p.PluginConfigurationChanged(cfg) })
	}

	log.Info().Str("plugin", meta.ID).Str("name", meta.Name).Msg("Plugin loaded")
	return nil
}

// Stop drains all plugin queues. No calls may be issued afterwards.
func (h *Host) Stop() {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	h.stopped = true
	for _, q := range h.queues {
		close(q)
	}
	h.mu.Unlock()
	h.wg.Wait()
}

// Get returns the plugin with the given id, or nil.
func (h *Host) Get(pluginID string) Plugin {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.plugins[pluginID]
}

// LoadedPlugins returns metadata for every loaded plugin.
func (h *Host) LoadedPlugins() []models.PluginMetadata {
	return h.catalog.Plugins()
}

// Call enqueues fn on the plugin's serialized queue. Returns false if
// the plugin is unknown, the host is stopped, or the queue is full. The
// enqueue never blocks: a plugin stuck in an entry point must not be
// able to stall its callers.
func (h *Host) Call(pluginID string, fn func(Plugin)) bool {
	h.mu.RLock()
	p, ok := h.plugins[pluginID]
	q := h.queues[pluginID]
	stopped := h.stopped
	h.mu.RUnlock()
	if !ok || stopped {
		return false
	}
	select {
	case q <- func() { fn(p) }:
		return true
	default:
		log.Warn().Str("plugin", pluginID).Msg("Plugin call queue full, rejecting call")
		return false
	}
}

// StartMonitoringAutoThings notifies every plugin that the initial thing
// revival is complete and auto things may now be announced.
func (h *Host) StartMonitoringAutoThings() {
	h.mu.RLock()
	ids := make([]string, 0, len(h.plugins))
	for id := range h.plugins {
		ids = append(ids, id)
	}
	h.mu.RUnlock()

	for _, id := range ids {
		h.Call(id, func(p Plugin) { p.StartMonitoringAutoThings() })
	}
}

// ── Plugin configuration ────────────────────────────────────

// PluginConfiguration returns the stored configuration for a plugin,
// normalized against its declared param types.
func (h *Host) PluginConfiguration(ctx context.Context, pluginID string) (models.ParamList, models.ThingError) {
	meta := h.catalog.FindPlugin(pluginID)
	if meta == nil {
		return nil, models.ThingErrorPluginNotFound
	}
	stored, err := h.configs.PluginConfiguration(ctx, pluginID)
	if err != nil {
		log.Error().Err(err).Str("plugin", pluginID).Msg("Failed to read plugin configuration")
		return nil, models.ThingErrorPluginNotFound
	}
	normalized, perr := catalog.ValidateParams(meta.ParamTypes, stored)
	if perr != nil {
		// Stored configuration no longer matches the declared types
		// (plugin upgrade); fall back to defaults.
		normalized, _ = catalog.ValidateParams(meta.ParamTypes, nil)
	}
	return normalized, models.ThingErrorNoError
}

// SetPluginConfiguration validates, persists and applies a plugin
// configuration, then notifies the plugin and the bus.
func (h *Host) SetPluginConfiguration(ctx context.Context, pluginID string, config models.ParamList) (models.ThingError, string) {
	meta := h.catalog.FindPlugin(pluginID)
	if meta == nil {
		return models.ThingErrorPluginNotFound, ""
	}
	normalized, perr := catalog.ValidateParams(meta.ParamTypes, config)
	if perr != nil {
		return perr.Code, perr.Message
	}
	if err := h.configs.SetPluginConfiguration(ctx, pluginID, normalized); err != nil {
		log.Error().Err(err).Str("plugin", pluginID).Msg("Failed to persist plugin configuration")
		return models.ThingErrorHardwareFailure, "failed to persist configuration"
	}

	h.Call(pluginID, func(p Plugin) { p.PluginConfigurationChanged(normalized) })
	h.bus.Publish(events.Notification{
		Name:   events.PluginConfigurationChanged,
		Params: events.PluginConfigChange{PluginID: pluginID, Configuration: normalized},
	})
	return models.ThingErrorNoError, ""
}

// ── Host context (outbound signals) ─────────────────────────

type hostContext struct {
	host     *Host
	pluginID string
}

func (c *hostContext) ThingsAppeared(descriptors []models.ThingDescriptor) {
	if c.host.sinks.ThingsAppeared != nil {
		c.host.sinks.ThingsAppeared(c.pluginID, descriptors)
	}
}

func (c *hostContext) ThingDisappeared(thingID string) {
	if c.host.sinks.ThingDisappeared != nil {
		c.host.sinks.ThingDisappeared(thingID)
	}
}

func (c *hostContext) EmitEvent(event models.Event) {
	if c.host.sinks.Event != nil {
		c.host.sinks.Event(event)
	}
}

func (c *hostContext) SetStateValue(thingID, stateTypeID string, value interface{}) {
	if c.host.sinks.StateValue != nil {
		c.host.sinks.StateValue(thingID, stateTypeID, value)
	}
}

func (c *hostContext) SetStateMinValue(thingID, stateTypeID string, min *float64) {
	if c.host.sinks.StateMinValue != nil {
		c.host.sinks.StateMinValue(thingID, stateTypeID, min)
	}
}

func (c *hostContext) SetStateMaxValue(thingID, stateTypeID string, max *float64) {
	if c.host.sinks.StateMaxValue != nil {
		c.host.sinks.StateMaxValue(thingID, stateTypeID, max)
	}
}

func (c *hostContext) SetStateAllowedValues(thingID, stateTypeID string, values []interface{}) {
	if c.host.sinks.StateAllowedValues != nil {
		c.host.sinks.StateAllowedValues(thingID, stateTypeID, values)
	}
}
