// Package translate holds the (pluginId, locale) translation tables used
// to localize display messages before they leave the JSON-RPC surface.
// Keys are the untranslated English strings, so there is no out-of-band
// message-id space to maintain.
package translate

import "sync"

// Registry is a thread-safe translation lookup.
type Registry struct {
	mu sync.RWMutex
	// key: pluginID → locale → english → translated
	tables map[string]map[string]map[string]string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tables: make(map[string]map[string]map[string]string)}
}

// Add merges a translation table for one plugin and locale.
func (r *Registry) Add(pluginID, locale string, entries map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.tables[pluginID] == nil {
		r.tables[pluginID] = make(map[string]map[string]string)
	}
	if r.tables[pluginID][locale] == nil {
		r.tables[pluginID][locale] = make(map[string]string)
	}
	for k, v := range entries {
		r.tables[pluginID][locale][k] = v
	}
}

// Translate returns the localized form of message for the plugin and
// locale, or the message unchanged when no translation exists.
func (r *Registry) Translate(pluginID, locale, message string) string {
	if locale == "" || message == "" {
		return message
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if byLocale, ok := r.tables[pluginID]; ok {
		if entries, ok := byLocale[locale]; ok {
			if translated, ok := entries[message]; ok {
				return translated
			}
		}
	}
	return message
}
