// Info objects: the one-shot handles the core hands to a plugin for every
// asynchronous call (discover, setup, pair, action, browse).
//
// An Info is constructed with the call's inputs and a timeout, carries
// mutable outputs the plugin may set, and is terminated by exactly one
// Finish call. The finished flag is a compare-and-set, so a plugin
// finishing concurrently with the timeout can never produce two visible
// results: whoever wins the CAS owns the terminal status.
package plugins

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/hearthd/hearthd/pkg/models"
	"github.com/rs/zerolog/log"
)

// Info is the shared core of every async plugin handle.
type Info struct {
	kind string // for logging only

	finished atomic.Bool
	timer    *time.Timer

	mu             sync.Mutex
	status         models.ThingError
	displayMessage string

	done    chan struct{}
	aborted chan struct{}
}

func newInfo(kind string) Info {
	return Info{
		kind:    kind,
		done:    make(chan struct{}),
		aborted: make(chan struct{}),
	}
}

// arm starts the timeout. Called by the constructors after the embedding
// struct is fully initialized; a zero timeout means no timeout.
func (i *Info) arm(timeout time.Duration) {
	if timeout <= 0 {
		return
	}
	i.timer = time.AfterFunc(timeout, i.abort)
}

// Finish terminates the call with the given status. The first Finish
// wins; later calls (including the timeout's) are logged and ignored.
func (i *Info) Finish(status models.ThingError, displayMessage ...string) {
	if !i.finished.CompareAndSwap(false, true) {
		log.Warn().Str("kind", i.kind).Str("status", string(status)).Msg("Info already finished, ignoring Finish")
		return
	}
	if i.timer != nil {
		i.timer.Stop()
	}
	if status == "" {
		status = models.ThingErrorNoError
	}

	i.mu.Lock()
	i.status = status
	if len(displayMessage) > 0 {
		i.displayMessage = displayMessage[0]
	}
	i.mu.Unlock()

	close(i.done)
}

// abort runs when the timeout elapses. The CAS re-checks the finished
// flag inside the timeout path, defending against a concurrent Finish.
func (i *Info) abort() {
	if !i.finished.CompareAndSwap(false, true) {
		return // plugin finished first
	}

	i.mu.Lock()
	i.status = models.ThingErrorTimeout
	i.mu.Unlock()

	log.Warn().Str("kind", i.kind).Msg("Plugin call timed out")
	close(i.aborted)
	close(i.done)
}

// Done is closed once the call has a terminal status.
func (i *Info) Done() <-chan struct{} { return i.done }

// Aborted is closed if the timeout elapsed before the plugin finished.
func (i *Info) Aborted() <-chan struct{} { return i.aborted }

// IsFinished reports whether a terminal status is set.
func (i *Info) IsFinished() bool { return i.finished.Load() }

// Status returns the terminal status. Only meaningful after Done.
func (i *Info) Status() models.ThingError {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.status
}

// DisplayMessage returns the user-facing message set by Finish, if any.
func (i *Info) DisplayMessage() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.displayMessage
}

// ── Discovery ───────────────────────────────────────────────

// DiscoveryInfo is the handle for a DiscoverThings call.
type DiscoveryInfo struct {
	Info
	ThingClassID string
	Params       models.ParamList

	descMu      sync.Mutex
	descriptors []models.ThingDescriptor
}

// NewDiscoveryInfo creates a discovery handle.
func NewDiscoveryInfo(thingClassID string, params models.ParamList, timeout time.Duration) *DiscoveryInfo {
	info := &DiscoveryInfo{
		Info:         newInfo("discovery"),
		ThingClassID: thingClassID,
		Params:       params,
	}
	info.arm(timeout)
	return info
}

// AddThingDescriptor appends one discovery result.
func (d *DiscoveryInfo) AddThingDescriptor(desc models.ThingDescriptor) {
	d.descMu.Lock()
	d.descriptors = append(d.descriptors, desc)
	d.descMu.Unlock()
}

// AddThingDescriptors appends a batch of discovery results.
func (d *DiscoveryInfo) AddThingDescriptors(descs []models.ThingDescriptor) {
	d.descMu.Lock()
	d.descriptors = append(d.descriptors, descs...)
	d.descMu.Unlock()
}

// ThingDescriptors returns the collected results.
func (d *DiscoveryInfo) ThingDescriptors() []models.ThingDescriptor {
	d.descMu.Lock()
	defer d.descMu.Unlock()
	out := make([]models.ThingDescriptor, len(d.descriptors))
	copy(out, d.descriptors)
	return out
}

// ── Pairing ─────────────────────────────────────────────────

// PairingInfo is the handle for StartPairing and ConfirmPairing calls.
type PairingInfo struct {
	Info
	TransactionID string
	ThingClassID  string
	ThingID       string // set for reconfigure-by-pairing
	Name          string
	Params        models.ParamList
	ParentID      string
	Reconfigure   bool

	urlMu    sync.Mutex
	oAuthURL string
}

// NewPairingInfo creates a pairing handle.
func NewPairingInfo(transactionID string, tx models.PairingTransaction, timeout time.Duration) *PairingInfo {
	info := &PairingInfo{
		Info:          newInfo("pairing"),
		TransactionID: transactionID,
		ThingClassID:  tx.ThingClassID,
		ThingID:       tx.ThingID,
		Name:          tx.Name,
		Params:        tx.Params,
		ParentID:      tx.ParentID,
		Reconfigure:   tx.ThingID != "",
	}
	info.arm(timeout)
	return info
}

// SetOAuthURL records the browser target for OAuth pairing.
func (p *PairingInfo) SetOAuthURL(url string) {
	p.urlMu.Lock()
	p.oAuthURL = url
	p.urlMu.Unlock()
}

// OAuthURL returns the URL set by the plugin, if any.
func (p *PairingInfo) OAuthURL() string {
	p.urlMu.Lock()
	defer p.urlMu.Unlock()
	return p.oAuthURL
}

// ── Setup ───────────────────────────────────────────────────

// SetupInfo is the handle for a SetupThing call. Initial distinguishes a
// first-time setup from a restart revival; Reconfigure marks a param
// change on an existing thing.
type SetupInfo struct {
	Info
	Thing       *models.Thing
	Initial     bool
	Reconfigure bool
}

// NewSetupInfo creates a setup handle.
func NewSetupInfo(thing *models.Thing, initial, reconfigure bool, timeout time.Duration) *SetupInfo {
	info := &SetupInfo{
		Info:        newInfo("setup"),
		Thing:       thing,
		Initial:     initial,
		Reconfigure: reconfigure,
	}
	info.arm(timeout)
	return info
}

// ── Actions ─────────────────────────────────────────────────

// ActionInfo is the handle for an ExecuteAction call.
type ActionInfo struct {
	Info
	Thing  *models.Thing
	Action models.Action
}

// NewActionInfo creates an action handle.
func NewActionInfo(thing *models.Thing, action models.Action, timeout time.Duration) *ActionInfo {
	info := &ActionInfo{
		Info:   newInfo("action"),
		Thing:  thing,
		Action: action,
	}
	info.arm(timeout)
	return info
}

// ── Browsing ────────────────────────────────────────────────

// BrowseResult is the handle for a BrowseThing call.
type BrowseResult struct {
	Info
	Thing  *models.Thing
	ItemID string
	Locale string

	itemsMu sync.Mutex
	items   []models.BrowserItem
}

// NewBrowseResult creates a browse handle.
func NewBrowseResult(thing *models.Thing, itemID, locale string, timeout time.Duration) *BrowseResult {
	info := &BrowseResult{
		Info:   newInfo("browse"),
		Thing:  thing,
		ItemID: itemID,
		Locale: locale,
	}
	info.arm(timeout)
	return info
}

// AddItems appends browser items to the result.
func (b *BrowseResult) AddItems(items ...models.BrowserItem) {
	b.itemsMu.Lock()
	b.items = append(b.items, items...)
	b.itemsMu.Unlock()
}

// Items returns the collected browser items.
func (b *BrowseResult) Items() []models.BrowserItem {
	b.itemsMu.Lock()
	defer b.itemsMu.Unlock()
	out := make([]models.BrowserItem, len(b.items))
	copy(out, b.items)
	return out
}

// BrowserItemResult is the handle for a GetBrowserItem call.
type BrowserItemResult struct {
	Info
	Thing  *models.Thing
	ItemID string
	Locale string

	itemMu sync.Mutex
	item   *models.BrowserItem
}

// NewBrowserItemResult creates a single-item browse handle.
func NewBrowserItemResult(thing *models.Thing, itemID, locale string, timeout time.Duration) *BrowserItemResult {
	info := &BrowserItemResult{
		Info:   newInfo("browser-item"),
		Thing:  thing,
		ItemID: itemID,
		Locale: locale,
	}
	info.arm(timeout)
	return info
}

// SetItem records the resolved item.
func (b *BrowserItemResult) SetItem(item models.BrowserItem) {
	b.itemMu.Lock()
	b.item = &item
	b.itemMu.Unlock()
}

// Item returns the resolved item, or nil.
func (b *BrowserItemResult) Item() *models.BrowserItem {
	b.itemMu.Lock()
	defer b.itemMu.Unlock()
	if b.item == nil {
		return nil
	}
	out := *b.item
	return &out
}

// BrowserActionInfo is the handle for an ExecuteBrowserItem call.
type BrowserActionInfo struct {
	Info
	Thing  *models.Thing
	ItemID string
}

// NewBrowserActionInfo creates a browser-item execution handle.
func NewBrowserActionInfo(thing *models.Thing, itemID string, timeout time.Duration) *BrowserActionInfo {
	info := &BrowserActionInfo{
		Info:   newInfo("browser-action"),
		Thing:  thing,
		ItemID: itemID,
	}
	info.arm(timeout)
	return info
}

// BrowserItemActionInfo is the handle for an ExecuteBrowserItemAction call.
type BrowserItemActionInfo struct {
	Info
	Thing        *models.Thing
	ItemID       string
	ActionTypeID string
	Params       models.ParamList
}

// NewBrowserItemActionInfo creates a browser-item action handle.
func NewBrowserItemActionInfo(thing *models.Thing, itemID, actionTypeID string, params models.ParamList, timeout time.Duration) *BrowserItemActionInfo {
	info := &BrowserItemActionInfo{
		Info:         newInfo("browser-item-action"),
		Thing:        thing,
		ItemID:       itemID,
		ActionTypeID: actionTypeID,
		Params:       params,
	}
	info.arm(timeout)
	return info
}
