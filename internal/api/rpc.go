// Package api exposes the integration core over a JSON-RPC style HTTP
// surface plus a WebSocket notification stream.
//
// Requests are POSTed to /rpc as {id, method, params, locale?} with
// methods namespaced "Integrations.X". Async methods (everything that
// crosses the plugin boundary) park the HTTP request until the
// underlying Info finishes or times out; no worker blocks the core.
package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
)

const methodNamespace = "Integrations."

type rpcRequest struct {
	ID     interface{}     `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
	Locale string          `json:"locale,omitempty"`
}

type rpcResponse struct {
	ID     interface{} `json:"id"`
	Status string      `json:"status"`
	Params interface{} `json:"params,omitempty"`
	Error  string      `json:"error,omitempty"`
}

func rpcSuccess(w http.ResponseWriter, id, params interface{}) {
	writeRPC(w, rpcResponse{ID: id, Status: "success", Params: params})
}

func rpcError(w http.ResponseWriter, id interface{}, message string) {
	writeRPC(w, rpcResponse{ID: id, Status: "error", Error: message})
}

func writeRPC(w http.ResponseWriter, resp rpcResponse) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Warn().Err(err).Msg("Failed to write RPC response")
	}
}

// HandleRPC decodes the envelope and dispatches to the named method.
// Transport-level problems (bad JSON, unknown method) come back with
// status "error"; domain errors ride inside params.thingError.
func (h *Handlers) HandleRPC(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		rpcError(w, nil, "invalid JSON: "+err.Error())
		return
	}
	if !strings.HasPrefix(req.Method, methodNamespace) {
		rpcError(w, req.ID, "unknown method "+req.Method)
		return
	}
	method := strings.TrimPrefix(req.Method, methodNamespace)

	fn, ok := h.methods()[method]
	if !ok {
		rpcError(w, req.ID, "unknown method "+req.Method)
		return
	}

	params, err := fn(r, req.Params, req.Locale)
	if err != nil {
		rpcError(w, req.ID, err.Error())
		return
	}
	rpcSuccess(w, req.ID, params)
}

// rpcMethod handles one method: raw params in, response params out.
// A returned error is a transport error (malformed params).
type rpcMethod func(r *http.Request, raw json.RawMessage, locale string) (interface{}, error)

func (h *Handlers) methods() map[string]rpcMethod {
	return map[string]rpcMethod{
		"GetVendors":               h.getVendors,
		"GetThingClasses":          h.getThingClasses,
		"GetPlugins":               h.getPlugins,
		"GetPluginConfiguration":   h.getPluginConfiguration,
		"SetPluginConfiguration":   h.setPluginConfiguration,
		"DiscoverThings":           h.discoverThings,
		"AddThing":                 h.addThing,
		"PairThing":                h.pairThing,
		"ConfirmPairing":           h.confirmPairing,
		"GetThings":                h.getThings,
		"ReconfigureThing":         h.reconfigureThing,
		"EditThing":                h.editThing,
		"RemoveThing":              h.removeThing,
		"SetThingSettings":         h.setThingSettings,
		"GetEventTypes":            h.getEventTypes,
		"GetActionTypes":           h.getActionTypes,
		"GetStateTypes":            h.getStateTypes,
		"GetStateValue":            h.getStateValue,
		"GetStateValues":           h.getStateValues,
		"BrowseThing":              h.browseThing,
		"GetBrowserItem":           h.getBrowserItem,
		"ExecuteAction":            h.executeAction,
		"ExecuteBrowserItem":       h.executeBrowserItem,
		"ExecuteBrowserItemAction": h.executeBrowserItemAction,
		"GetIOConnections":         h.getIOConnections,
		"ConnectIO":                h.connectIO,
		"DisconnectIO":             h.disconnectIO,
	}
}

func decodeParams(raw json.RawMessage, into interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, into)
}
