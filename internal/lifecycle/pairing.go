package lifecycle

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/hearthd/hearthd/internal/catalog"
	"github.com/hearthd/hearthd/internal/plugins"
	"github.com/hearthd/hearthd/pkg/models"
	"github.com/rs/zerolog/log"
)

// Pairing: the two-phase setup path for thing classes whose setup method
// requires user interaction (pin entry, push button, credentials, OAuth).
//
// PairThing creates a transaction and asks the plugin to begin; the
// transaction then waits in AwaitingConfirmation until ConfirmPairing
// completes it or the TTL sweep expires it. Expired transactions answer
// confirm attempts with AuthenticationFailure until they are garbage
// collected.

// PairThingRequest names the pairing target: a class (fresh add), a
// discovery descriptor, or a configured thing (reconfigure-by-pairing).
type PairThingRequest struct {
	ThingClassID string
	DescriptorID string
	ThingID      string
	Name         string
	Params       models.ParamList
}

// PairResult carries the transaction handle the client confirms against.
type PairResult struct {
	Result
	TransactionID string
	SetupMethod   models.SetupMethod
	OAuthURL      string
}

// PairThing starts a pairing transaction.
func (e *Engine) PairThing(ctx context.Context, req PairThingRequest) PairResult {
	resCh := make(chan PairResult, 1)
	e.post(func() { e.pairThing(req, resCh) })
	return await(e.done, resCh, PairResult{Result: abortedResult()})
}

func (e *Engine) pairThing(req PairThingRequest, resCh chan<- PairResult) {
	tx := models.PairingTransaction{
		ID:           uuid.New().String(),
		ThingClassID: req.ThingClassID,
		ThingID:      req.ThingID,
		Name:         req.Name,
		Params:       req.Params,
		Status:       models.PairingCreated,
		CreatedAt:    time.Now(),
	}

	if req.DescriptorID != "" {
		entry, ok := e.descriptors[req.DescriptorID]
		if !ok {
			resCh <- PairResult{Result: errResult(models.ThingErrorThingNotFound, "unknown thing descriptor")}
			return
		}
		desc := entry.descriptor
		tx.ThingClassID = desc.ThingClassID
		tx.ParentID = desc.ParentID
		tx.Params = mergeParams(desc.Params, req.Params)
		if desc.ThingID != "" {
			tx.ThingID = desc.ThingID
		}
		if tx.Name == "" {
			tx.Name = desc.Title
		}
	}

	if tx.ThingID != "" {
		// Reconfigure-by-pairing: the class and base params come from the
		// configured thing.
		thing, err := e.store.GetThing(context.Background(), tx.ThingID)
		if err != nil {
			resCh <- PairResult{Result: errResult(models.ThingErrorThingNotFound)}
			return
		}
		tx.ThingClassID = thing.ThingClassID
		tx.Params = mergeParams(thing.Params, tx.Params)
		if tx.Name == "" {
			tx.Name = thing.Name
		}
	}

	tc := e.cat.FindThingClass(tx.ThingClassID)
	if tc == nil {
		resCh <- PairResult{Result: errResult(models.ThingErrorThingClassNotFound)}
		return
	}
	if tc.SetupMethod == models.SetupMethodJustAdd {
		resCh <- PairResult{Result: errResult(models.ThingErrorSetupMethodNotSupported, "thing class does not require pairing, use AddThing")}
		return
	}
	tx.SetupMethod = tc.SetupMethod

	var perr *catalog.ParamError
	if tx.ThingID == "" {
		tx.Params, perr = catalog.ValidateParams(tc.ParamTypes, tx.Params)
	} else {
		thing, _ := e.store.GetThing(context.Background(), tx.ThingID)
		tx.Params, perr = catalog.ValidateReconfigureParams(tc.ParamTypes, thing.Params, tx.Params)
	}
	if perr != nil {
		resCh <- PairResult{Result: errResult(perr.Code, perr.Message)}
		return
	}

	info := plugins.NewPairingInfo(tx.ID, tx, e.cfg.Timeouts.Pairing)
	if !e.host.Call(tc.PluginID, func(p plugins.Plugin) { p.StartPairing(info) }) {
		resCh <- PairResult{Result: errResult(models.ThingErrorPluginNotFound)}
		return
	}

	go func() {
		<-info.Done()
		e.post(func() {
			if !info.Status().OK() {
				resCh <- PairResult{Result: errResult(info.Status(), info.DisplayMessage())}
				return
			}
			tx.Status = models.PairingAwaitingConfirmation
			tx.OAuthURL = info.OAuthURL()
			stored := tx
			e.pairings[tx.ID] = &stored

			msg := info.DisplayMessage()
			if msg == "" {
				msg = tc.PairingInfo
			}
			log.Info().Str("transaction", tx.ID).Str("class", tc.Name).Str("setupMethod", string(tc.SetupMethod)).Msg("Pairing started")
			resCh <- PairResult{
				Result:        Result{Error: models.ThingErrorNoError, DisplayMessage: msg},
				TransactionID: tx.ID,
				SetupMethod:   tc.SetupMethod,
				OAuthURL:      tx.OAuthURL,
			}
		})
	}()
}

// ConfirmPairing completes a pairing transaction with the user's
// credentials (username and secret carry pin, password or OAuth code
// depending on the setup method). On success the thing is set up and
// added, or reconfigured when the transaction targets an existing thing.
// The transaction is consumed either way.
func (e *Engine) ConfirmPairing(ctx context.Context, transactionID, username, secret string) AddResult {
	resCh := make(chan AddResult, 1)
	e.post(func() { e.confirmPairing(transactionID, username, secret, resCh) })
	return await(e.done, resCh, AddResult{Result: abortedResult()})
}

func (e *Engine) confirmPairing(transactionID, username, secret string, resCh chan<- AddResult) {
	tx, ok := e.pairings[transactionID]
	if !ok {
		resCh <- AddResult{Result: errResult(models.ThingErrorInvalidParameter, "unknown pairing transaction")}
		return
	}
	switch tx.Status {
	case models.PairingAwaitingConfirmation:
	case models.PairingExpired:
		resCh <- AddResult{Result: errResult(models.ThingErrorAuthenticationFailure, "pairing transaction expired")}
		return
	default:
		resCh <- AddResult{Result: errResult(models.ThingErrorInvalidParameter, "pairing transaction is not awaiting confirmation")}
		return
	}

	tc := e.cat.FindThingClass(tx.ThingClassID)
	if tc == nil {
		delete(e.pairings, transactionID)
		resCh <- AddResult{Result: errResult(models.ThingErrorThingClassNotFound)}
		return
	}

	info := plugins.NewPairingInfo(tx.ID, *tx, e.cfg.Timeouts.Pairing)
	if !e.host.Call(tc.PluginID, func(p plugins.Plugin) { p.ConfirmPairing(info, username, secret) }) {
		delete(e.pairings, transactionID)
		resCh <- AddResult{Result: errResult(models.ThingErrorPluginNotFound)}
		return
	}

	go func() {
		<-info.Done()
		e.post(func() { e.finishPairing(tx, tc, info, resCh) })
	}()
}

// finishPairing consumes the transaction and, on success, runs the
// regular add or reconfigure tail.
func (e *Engine) finishPairing(tx *models.PairingTransaction, tc *models.ThingClass, info *plugins.PairingInfo, resCh chan<- AddResult) {
	delete(e.pairings, tx.ID)

	if !info.Status().OK() {
		tx.Status = models.PairingFailed
		log.Warn().Str("transaction", tx.ID).Str("status", string(info.Status())).Msg("Pairing confirmation failed")
		resCh <- AddResult{Result: errResult(info.Status(), info.DisplayMessage())}
		return
	}
	tx.Status = models.PairingConfirmed

	if tx.ThingID != "" {
		r := make(chan Result, 1)
		e.reconfigureThing(tx.ThingID, tx.Params, r)
		thingID := tx.ThingID
		go func() {
			res := <-r
			resCh <- AddResult{Result: res, ThingID: thingID}
		}()
		return
	}

	thing := e.newThing(tc, tx.Name, tx.Params, tx.ParentID, false)
	e.setupNewThing(thing, tc, func(res AddResult) { resCh <- res })
}

// PairingTransactions returns the live transactions in unspecified order.
func (e *Engine) PairingTransactions(ctx context.Context) []models.PairingTransaction {
	var out []models.PairingTransaction
	e.do(func() {
		out = make([]models.PairingTransaction, 0, len(e.pairings))
		for _, tx := range e.pairings {
			out = append(out, *tx)
		}
	})
	return out
}

// sweepExpired ages out pairing transactions and discovery descriptors.
// Expired transactions linger for one more TTL so confirm attempts get a
// proper AuthenticationFailure instead of an unknown-transaction error.
func (e *Engine) sweepExpired() {
	now := time.Now()
	for id, tx := range e.pairings {
		age := now.Sub(tx.CreatedAt)
		switch {
		case tx.Status == models.PairingExpired && age > 2*e.cfg.Pairing.TTL:
			delete(e.pairings, id)
		case tx.Status == models.PairingAwaitingConfirmation && age > e.cfg.Pairing.TTL:
			tx.Status = models.PairingExpired
			log.Info().Str("transaction", id).Msg("Pairing transaction expired")
		}
	}
	for id, entry := range e.descriptors {
		if now.Sub(entry.createdAt) > e.cfg.Pairing.TTL {
			delete(e.descriptors, id)
		}
	}
}
