// Package events implements the hearthd notification bus.
//
// The bus is a synchronous fan-out: Publish invokes every subscriber in
// registration order on the caller's goroutine. The core publishes from
// the single dispatcher, so subscribers observe notifications in exactly
// the order they were applied. Subscribers that need asynchrony (the
// websocket fan-out, the IO engine) enqueue into their own buffers.
package events

import (
	"sync"

	"github.com/hearthd/hearthd/pkg/models"
)

// Notification names published by the core.
const (
	ThingAdded                 = "ThingAdded"
	ThingChanged               = "ThingChanged"
	ThingRemoved               = "ThingRemoved"
	ThingSettingChanged        = "ThingSettingChanged"
	StateChanged               = "StateChanged"
	EventTriggered             = "EventTriggered"
	PluginConfigurationChanged = "PluginConfigurationChanged"
	IOConnectionAdded          = "IOConnectionAdded"
	IOConnectionRemoved        = "IOConnectionRemoved"
)

// Notification is one bus message: a name plus a typed payload.
type Notification struct {
	Name   string
	Params interface{}
}

// StateChange is the payload of a StateChanged notification.
type StateChange struct {
	ThingID       string        `json:"thingId"`
	StateTypeID   string        `json:"stateTypeId"`
	Value         interface{}   `json:"value"`
	MinValue      *float64      `json:"minValue,omitempty"`
	MaxValue      *float64      `json:"maxValue,omitempty"`
	AllowedValues []interface{} `json:"allowedValues,omitempty"`
}

// SettingChange is the payload of a ThingSettingChanged notification.
type SettingChange struct {
	ThingID     string      `json:"thingId"`
	ParamTypeID string      `json:"paramTypeId"`
	Value       interface{} `json:"value"`
}

// ThingRemoval is the payload of a ThingRemoved notification.
type ThingRemoval struct {
	ThingID string `json:"thingId"`
}

// PluginConfigChange is the payload of PluginConfigurationChanged.
type PluginConfigChange struct {
	PluginID      string           `json:"pluginId"`
	Configuration models.ParamList `json:"configuration"`
}

// Subscriber receives every published notification.
type Subscriber func(Notification)

// Bus fans notifications out to subscribers.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   []subscription
}

type subscription struct {
	id int
	fn Subscriber
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers fn and returns an unsubscribe function.
func (b *Bus) Subscribe(fn Subscriber) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, fn: fn})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s.id == id {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

// Publish delivers the notification to every subscriber, synchronously
// and in registration order.
func (b *Bus) Publish(n Notification) {
	b.mu.RLock()
	subs := make([]subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, s := range subs {
		s.fn(n)
	}
}

// PublishStateChanged is a convenience wrapper for the hot path.
func (b *Bus) PublishStateChanged(sc StateChange) {
	b.Publish(Notification{Name: StateChanged, Params: sc})
}

// PublishEventTriggered is a convenience wrapper.
func (b *Bus) PublishEventTriggered(ev models.Event) {
	b.Publish(Notification{Name: EventTriggered, Params: ev})
}
