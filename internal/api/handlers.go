package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/hearthd/hearthd/internal/catalog"
	"github.com/hearthd/hearthd/internal/ioconn"
	"github.com/hearthd/hearthd/internal/lifecycle"
	"github.com/hearthd/hearthd/internal/plugins"
	"github.com/hearthd/hearthd/internal/translate"
	"github.com/hearthd/hearthd/pkg/models"
)

// Handlers holds the handler dependencies.
type Handlers struct {
	Catalog    *catalog.Catalog
	Host       *plugins.Host
	Engine     *lifecycle.Engine
	IO         *ioconn.Engine
	Translator *translate.Registry
}

// New creates a Handlers instance.
func New(cat *catalog.Catalog, host *plugins.Host, engine *lifecycle.Engine, io *ioconn.Engine, tr *translate.Registry) *Handlers {
	return &Handlers{Catalog: cat, Host: host, Engine: engine, IO: io, Translator: tr}
}

// localize translates a plugin display message for the request locale.
func (h *Handlers) localize(locale, pluginID, msg string) string {
	if h.Translator == nil || pluginID == "" {
		return msg
	}
	return h.Translator.Translate(pluginID, locale, msg)
}

func (h *Handlers) classPlugin(thingClassID string) string {
	if tc := h.Catalog.FindThingClass(thingClassID); tc != nil {
		return tc.PluginID
	}
	return ""
}

func (h *Handlers) thingPlugin(thingID string) string {
	if _, tc, terr := h.Engine.FindThing(context.Background(), thingID); terr.OK() {
		return tc.PluginID
	}
	return ""
}

// errorReply is the common shape of a domain-error response.
type errorReply struct {
	ThingError     models.ThingError `json:"thingError"`
	DisplayMessage string            `json:"displayMessage,omitempty"`
}

// ── Catalog queries ─────────────────────────────────────────

func (h *Handlers) getVendors(r *http.Request, raw json.RawMessage, locale string) (interface{}, error) {
	return map[string]interface{}{"vendors": h.Catalog.Vendors()}, nil
}

func (h *Handlers) getThingClasses(r *http.Request, raw json.RawMessage, locale string) (interface{}, error) {
	var p struct {
		VendorID string `json:"vendorId"`
	}
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	return map[string]interface{}{"thingClasses": h.Catalog.ThingClasses(p.VendorID)}, nil
}

func (h *Handlers) getPlugins(r *http.Request, raw json.RawMessage, locale string) (interface{}, error) {
	return map[string]interface{}{"plugins": h.Host.LoadedPlugins()}, nil
}

func (h *Handlers) getPluginConfiguration(r *http.Request, raw json.RawMessage, locale string) (interface{}, error) {
	var p struct {
		PluginID string `json:"pluginId"`
	}
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	config, terr := h.Host.PluginConfiguration(r.Context(), p.PluginID)
	if !terr.OK() {
		return errorReply{ThingError: terr}, nil
	}
	return map[string]interface{}{
		"thingError":    models.ThingErrorNoError,
		"configuration": config,
	}, nil
}

func (h *Handlers) setPluginConfiguration(r *http.Request, raw json.RawMessage, locale string) (interface{}, error) {
	var p struct {
		PluginID      string           `json:"pluginId"`
		Configuration models.ParamList `json:"configuration"`
	}
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	terr, msg := h.Host.SetPluginConfiguration(r.Context(), p.PluginID, p.Configuration)
	return errorReply{ThingError: terr, DisplayMessage: h.localize(locale, p.PluginID, msg)}, nil
}

// ── Discovery / add / pair ──────────────────────────────────

func (h *Handlers) discoverThings(r *http.Request, raw json.RawMessage, locale string) (interface{}, error) {
	var p struct {
		ThingClassID    string           `json:"thingClassId"`
		DiscoveryParams models.ParamList `json:"discoveryParams"`
	}
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	res := h.Engine.DiscoverThings(r.Context(), p.ThingClassID, p.DiscoveryParams)
	return map[string]interface{}{
		"thingError":       res.Error,
		"thingDescriptors": res.Descriptors,
		"displayMessage":   h.localize(locale, h.classPlugin(p.ThingClassID), res.DisplayMessage),
	}, nil
}

func (h *Handlers) addThing(r *http.Request, raw json.RawMessage, locale string) (interface{}, error) {
	var p struct {
		ThingClassID      string           `json:"thingClassId"`
		ThingDescriptorID string           `json:"thingDescriptorId"`
		Name              string           `json:"name"`
		ThingParams       models.ParamList `json:"thingParams"`
	}
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	res := h.Engine.AddThing(r.Context(), lifecycle.AddThingRequest{
		ThingClassID: p.ThingClassID,
		DescriptorID: p.ThingDescriptorID,
		Name:         p.Name,
		Params:       p.ThingParams,
	})
	return map[string]interface{}{
		"thingError":     res.Error,
		"thingId":        res.ThingID,
		"displayMessage": h.localize(locale, h.classPlugin(p.ThingClassID), res.DisplayMessage),
	}, nil
}

func (h *Handlers) pairThing(r *http.Request, raw json.RawMessage, locale string) (interface{}, error) {
	var p struct {
		ThingClassID      string           `json:"thingClassId"`
		ThingDescriptorID string           `json:"thingDescriptorId"`
		ThingID           string           `json:"thingId"`
		Name              string           `json:"name"`
		ThingParams       models.ParamList `json:"thingParams"`
	}
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	res := h.Engine.PairThing(r.Context(), lifecycle.PairThingRequest{
		ThingClassID: p.ThingClassID,
		DescriptorID: p.ThingDescriptorID,
		ThingID:      p.ThingID,
		Name:         p.Name,
		Params:       p.ThingParams,
	})
	return map[string]interface{}{
		"thingError":           res.Error,
		"pairingTransactionId": res.TransactionID,
		"setupMethod":          res.SetupMethod,
		"displayMessage":       h.localize(locale, h.classPlugin(p.ThingClassID), res.DisplayMessage),
		"oAuthUrl":             res.OAuthURL,
	}, nil
}

func (h *Handlers) confirmPairing(r *http.Request, raw json.RawMessage, locale string) (interface{}, error) {
	var p struct {
		PairingTransactionID string `json:"pairingTransactionId"`
		Username             string `json:"username"`
		Secret               string `json:"secret"`
	}
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	// Resolve the plugin for localization before the confirm consumes
	// the transaction; on failure there is no thing to resolve it from.
	pluginID := ""
	for _, tx := range h.Engine.PairingTransactions(r.Context()) {
		if tx.ID == p.PairingTransactionID {
			pluginID = h.classPlugin(tx.ThingClassID)
			break
		}
	}

	res := h.Engine.ConfirmPairing(r.Context(), p.PairingTransactionID, p.Username, p.Secret)
	return map[string]interface{}{
		"thingError":     res.Error,
		"thingId":        res.ThingID,
		"displayMessage": h.localize(locale, pluginID, res.DisplayMessage),
	}, nil
}

// ── Thing queries & mutations ───────────────────────────────

func (h *Handlers) getThings(r *http.Request, raw json.RawMessage, locale string) (interface{}, error) {
	var p struct {
		ThingID string `json:"thingId"`
	}
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.ThingID != "" {
		thing, _, terr := h.Engine.FindThing(r.Context(), p.ThingID)
		if !terr.OK() {
			return errorReply{ThingError: terr}, nil
		}
		return map[string]interface{}{
			"thingError": models.ThingErrorNoError,
			"things":     []*models.Thing{thing},
		}, nil
	}
	things := h.Engine.Things(r.Context())
	if things == nil {
		things = []*models.Thing{}
	}
	return map[string]interface{}{
		"thingError": models.ThingErrorNoError,
		"things":     things,
	}, nil
}

func (h *Handlers) reconfigureThing(r *http.Request, raw json.RawMessage, locale string) (interface{}, error) {
	var p struct {
		ThingID           string           `json:"thingId"`
		ThingDescriptorID string           `json:"thingDescriptorId"`
		ThingParams       models.ParamList `json:"thingParams"`
	}
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	res := h.Engine.ReconfigureThing(r.Context(), lifecycle.ReconfigureThingRequest{
		ThingID:      p.ThingID,
		DescriptorID: p.ThingDescriptorID,
		Params:       p.ThingParams,
	})
	return errorReply{ThingError: res.Error, DisplayMessage: h.localize(locale, h.thingPlugin(p.ThingID), res.DisplayMessage)}, nil
}

func (h *Handlers) editThing(r *http.Request, raw json.RawMessage, locale string) (interface{}, error) {
	var p struct {
		ThingID string `json:"thingId"`
		Name    string `json:"name"`
	}
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	res := h.Engine.EditThing(r.Context(), p.ThingID, p.Name)
	return errorReply{ThingError: res.Error, DisplayMessage: res.DisplayMessage}, nil
}

func (h *Handlers) removeThing(r *http.Request, raw json.RawMessage, locale string) (interface{}, error) {
	var p struct {
		ThingID          string `json:"thingId"`
		RemovePolicy     string `json:"removePolicy"`
		RemovePolicyList []struct {
			RuleID string `json:"ruleId"`
			Policy string `json:"policy"`
		} `json:"removePolicyList"`
	}
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	policies := make(map[string]lifecycle.RemovePolicy)
	if p.RemovePolicy != "" {
		policies["*"] = lifecycle.RemovePolicy(p.RemovePolicy)
	}
	for _, entry := range p.RemovePolicyList {
		policies[entry.RuleID] = lifecycle.RemovePolicy(entry.Policy)
	}
	res := h.Engine.RemoveThing(r.Context(), p.ThingID, policies)
	reply := map[string]interface{}{"thingError": res.Error}
	if len(res.RuleIDs) > 0 {
		reply["ruleIds"] = res.RuleIDs
	}
	return reply, nil
}

func (h *Handlers) setThingSettings(r *http.Request, raw json.RawMessage, locale string) (interface{}, error) {
	var p struct {
		ThingID  string           `json:"thingId"`
		Settings models.ParamList `json:"settings"`
	}
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	res := h.Engine.SetThingSettings(r.Context(), p.ThingID, p.Settings)
	return errorReply{ThingError: res.Error, DisplayMessage: res.DisplayMessage}, nil
}

// ── Type queries ────────────────────────────────────────────

func (h *Handlers) getEventTypes(r *http.Request, raw json.RawMessage, locale string) (interface{}, error) {
	tc, reply := h.lookupClass(raw)
	if tc == nil {
		return reply, nil
	}
	return map[string]interface{}{"thingError": models.ThingErrorNoError, "eventTypes": tc.EventTypes}, nil
}

func (h *Handlers) getActionTypes(r *http.Request, raw json.RawMessage, locale string) (interface{}, error) {
	tc, reply := h.lookupClass(raw)
	if tc == nil {
		return reply, nil
	}
	return map[string]interface{}{"thingError": models.ThingErrorNoError, "actionTypes": tc.ActionTypes}, nil
}

func (h *Handlers) getStateTypes(r *http.Request, raw json.RawMessage, locale string) (interface{}, error) {
	tc, reply := h.lookupClass(raw)
	if tc == nil {
		return reply, nil
	}
	return map[string]interface{}{"thingError": models.ThingErrorNoError, "stateTypes": tc.StateTypes}, nil
}

func (h *Handlers) lookupClass(raw json.RawMessage) (*models.ThingClass, interface{}) {
	var p struct {
		ThingClassID string `json:"thingClassId"`
	}
	if err := decodeParams(raw, &p); err != nil {
		return nil, errorReply{ThingError: models.ThingErrorInvalidParameter, DisplayMessage: err.Error()}
	}
	tc := h.Catalog.FindThingClass(p.ThingClassID)
	if tc == nil {
		return nil, errorReply{ThingError: models.ThingErrorThingClassNotFound}
	}
	return tc, nil
}

// ── State values ────────────────────────────────────────────

func (h *Handlers) getStateValue(r *http.Request, raw json.RawMessage, locale string) (interface{}, error) {
	var p struct {
		ThingID     string `json:"thingId"`
		StateTypeID string `json:"stateTypeId"`
	}
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	thing, tc, terr := h.Engine.FindThing(r.Context(), p.ThingID)
	if !terr.OK() {
		return errorReply{ThingError: terr}, nil
	}
	if tc.StateType(p.StateTypeID) == nil {
		return errorReply{ThingError: models.ThingErrorStateTypeNotFound}, nil
	}
	state := thing.State(p.StateTypeID)
	var value interface{}
	if state != nil {
		value = state.Value
	}
	return map[string]interface{}{"thingError": models.ThingErrorNoError, "value": value}, nil
}

func (h *Handlers) getStateValues(r *http.Request, raw json.RawMessage, locale string) (interface{}, error) {
	var p struct {
		ThingID string `json:"thingId"`
	}
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	thing, _, terr := h.Engine.FindThing(r.Context(), p.ThingID)
	if !terr.OK() {
		return errorReply{ThingError: terr}, nil
	}
	values := make([]*models.State, 0, len(thing.States))
	for _, s := range thing.States {
		values = append(values, s)
	}
	return map[string]interface{}{"thingError": models.ThingErrorNoError, "values": values}, nil
}

// ── Actions & browsing ──────────────────────────────────────

func (h *Handlers) executeAction(r *http.Request, raw json.RawMessage, locale string) (interface{}, error) {
	var p struct {
		ThingID      string           `json:"thingId"`
		ActionTypeID string           `json:"actionTypeId"`
		Params       models.ParamList `json:"params"`
	}
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	res := h.Engine.ExecuteAction(r.Context(), models.Action{
		ThingID:      p.ThingID,
		ActionTypeID: p.ActionTypeID,
		Params:       p.Params,
	})
	return errorReply{ThingError: res.Error, DisplayMessage: h.localize(locale, h.thingPlugin(p.ThingID), res.DisplayMessage)}, nil
}

func (h *Handlers) browseThing(r *http.Request, raw json.RawMessage, locale string) (interface{}, error) {
	var p struct {
		ThingID string `json:"thingId"`
		ItemID  string `json:"itemId"`
	}
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	res := h.Engine.BrowseThing(r.Context(), p.ThingID, p.ItemID, locale)
	items := res.Items
	if items == nil {
		items = []models.BrowserItem{}
	}
	return map[string]interface{}{"thingError": res.Error, "items": items}, nil
}

func (h *Handlers) getBrowserItem(r *http.Request, raw json.RawMessage, locale string) (interface{}, error) {
	var p struct {
		ThingID string `json:"thingId"`
		ItemID  string `json:"itemId"`
	}
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	res := h.Engine.GetBrowserItem(r.Context(), p.ThingID, p.ItemID, locale)
	return map[string]interface{}{"thingError": res.Error, "item": res.Item}, nil
}

func (h *Handlers) executeBrowserItem(r *http.Request, raw json.RawMessage, locale string) (interface{}, error) {
	var p struct {
		ThingID string `json:"thingId"`
		ItemID  string `json:"itemId"`
	}
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	res := h.Engine.ExecuteBrowserItem(r.Context(), p.ThingID, p.ItemID)
	return errorReply{ThingError: res.Error, DisplayMessage: h.localize(locale, h.thingPlugin(p.ThingID), res.DisplayMessage)}, nil
}

func (h *Handlers) executeBrowserItemAction(r *http.Request, raw json.RawMessage, locale string) (interface{}, error) {
	var p struct {
		ThingID      string           `json:"thingId"`
		ItemID       string           `json:"itemId"`
		ActionTypeID string           `json:"actionTypeId"`
		Params       models.ParamList `json:"params"`
	}
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	res := h.Engine.ExecuteBrowserItemAction(r.Context(), p.ThingID, p.ItemID, p.ActionTypeID, p.Params)
	return errorReply{ThingError: res.Error, DisplayMessage: h.localize(locale, h.thingPlugin(p.ThingID), res.DisplayMessage)}, nil
}

// ── IO connections ──────────────────────────────────────────

func (h *Handlers) getIOConnections(r *http.Request, raw json.RawMessage, locale string) (interface{}, error) {
	conns := h.IO.Connections(r.Context())
	if conns == nil {
		conns = []*models.IOConnection{}
	}
	return map[string]interface{}{"thingError": models.ThingErrorNoError, "ioConnections": conns}, nil
}

func (h *Handlers) connectIO(r *http.Request, raw json.RawMessage, locale string) (interface{}, error) {
	var p struct {
		InputThingID      string `json:"inputThingId"`
		InputStateTypeID  string `json:"inputStateTypeId"`
		OutputThingID     string `json:"outputThingId"`
		OutputStateTypeID string `json:"outputStateTypeId"`
		Inverted          bool   `json:"inverted"`
	}
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	res := h.IO.Connect(r.Context(), models.IOConnection{
		InputThingID:      p.InputThingID,
		InputStateTypeID:  p.InputStateTypeID,
		OutputThingID:     p.OutputThingID,
		OutputStateTypeID: p.OutputStateTypeID,
		Inverted:          p.Inverted,
	})
	return map[string]interface{}{
		"thingError":     res.Error,
		"ioConnectionId": res.ConnectionID,
		"displayMessage": res.DisplayMessage,
	}, nil
}

func (h *Handlers) disconnectIO(r *http.Request, raw json.RawMessage, locale string) (interface{}, error) {
	var p struct {
		IOConnectionID string `json:"ioConnectionId"`
	}
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	res := h.IO.Disconnect(r.Context(), p.IOConnectionID)
	return errorReply{ThingError: res.Error, DisplayMessage: res.DisplayMessage}, nil
}
