// Package agent implements a competition participant: it registers with
// the controller, negotiates bilateral trades with its peers, and keeps
// its own view of the game consistent through the transaction tracker.
package agent

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/agoramarket/agora/internal/bus"
	"github.com/agoramarket/agora/internal/protocol"
	"github.com/agoramarket/agora/internal/tracker"
	"github.com/agoramarket/agora/internal/telemetry"
)

const tickInterval = 500 * time.Millisecond

// Agent is a baseline participant. All state is owned by the Run loop.
type Agent struct {
	pbk            string
	name           string
	bus            *bus.Bus
	controllerAddr string
	strategy       Strategy
	tracker        *tracker.Tracker
	log            telemetry.Tagged

	registered bool
	peers      []string
	txFee      float64
	// proposals sent under each dialogue, keyed by ref, kept until the
	// counterparty answers so a late Decline can be ignored cleanly
	sentCFPs map[string]struct{}
}

func New(pbk, name string, b *bus.Bus, controllerAddr string, strategy Strategy, lockTimeout time.Duration) *Agent {
	return &Agent{
		pbk:            pbk,
		name:           name,
		bus:            b,
		controllerAddr: controllerAddr,
		strategy:       strategy,
		tracker:        tracker.New(pbk, lockTimeout),
		log:            telemetry.Tag(name),
		sentCFPs:       make(map[string]struct{}),
	}
}

// Pbk returns the agent's bus address.
func (a *Agent) Pbk() string { return a.pbk }

// Tracker exposes the agent's game view, for inspection after Run returns.
func (a *Agent) Tracker() *tracker.Tracker { return a.tracker }

// Resync asks the controller for the authoritative state. The answer comes
// back through the normal inbox and rebuilds the tracker, so this is safe
// to call from outside the Run loop, e.g. after a relay reconnect.
func (a *Agent) Resync() {
	a.send(a.controllerAddr, protocol.GetStateUpdate{})
}

// Run registers with the controller and trades until the competition is
// cancelled or ctx is done.
func (a *Agent) Run(ctx context.Context) error {
	inbox := a.bus.Register(a.pbk)
	defer a.bus.Deregister(a.pbk)

	a.send(a.controllerAddr, protocol.Register{AgentName: a.name})

	tick := time.NewTicker(tickInterval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-tick.C:
			a.onTick(now)
		case env, ok := <-inbox:
			if !ok {
				return nil
			}
			if done := a.dispatch(env); done {
				return nil
			}
		}
	}
}

func (a *Agent) dispatch(env bus.Envelope) (done bool) {
	switch msg := env.Msg.(type) {
	case protocol.Registered:
		a.registered = true
		a.log.Infof("registered with controller")
	case protocol.Cancelled:
		a.log.Infof("competition over")
		return true
	case protocol.GameData:
		a.onGameData(msg)
	case protocol.TransactionConfirmation:
		a.onConfirmation(msg)
	case protocol.StateUpdate:
		a.onStateUpdate(msg)
	case protocol.Error:
		a.onControllerError(env.From, msg)
	case protocol.CFP:
		a.onCFP(env.From, msg)
	case protocol.Propose:
		a.onPropose(env.From, msg)
	case protocol.Accept:
		a.onAccept(env.From, msg)
	case protocol.Decline:
		a.onDecline(env.From, msg)
	default:
		a.log.Warnf("unexpected %s from %s", env.Msg.Kind(), env.From)
	}
	return false
}

func (a *Agent) onGameData(data protocol.GameData) {
	a.tracker.Init(data)
	a.strategy.Init(data)
	a.txFee = data.TxFee
	a.peers = a.peers[:0]
	for pbk := range data.AgentPbkToName {
		if pbk != a.pbk {
			a.peers = append(a.peers, pbk)
		}
	}
	a.log.Infof("game started: money %.2f, %d goods, %d peers", data.Money, data.NbGoods, len(a.peers))
}

// onTick retries registration until admitted, drops expired locks, and
// opens new dialogues for wanted goods.
func (a *Agent) onTick(now time.Time) {
	if !a.registered {
		a.send(a.controllerAddr, protocol.Register{AgentName: a.name})
		return
	}
	for _, tx := range a.tracker.ExpireLocks(now) {
		a.log.Warnf("lock on transaction %s expired", tx.TransactionID)
	}
	if a.tracker.State() == nil {
		return
	}
	// one round of dialogues at a time; wait out open ones before asking again
	if len(a.sentCFPs) > 0 || a.tracker.LockedCount() > 0 {
		return
	}
	goods := a.strategy.DemandedGoods(a.tracker.StateAfterLocks())
	if len(goods) == 0 {
		return
	}
	for _, peer := range a.peers {
		dlg := uuid.NewString()
		a.sentCFPs[dlg] = struct{}{}
		a.send(peer, protocol.CFP{DialogueID: dlg, IsBuyer: true, Goods: goods})
	}
}

// onCFP services a buyer's call with a single priced bundle, or declines
// when nothing in the request can be sold profitably.
func (a *Agent) onCFP(from string, cfp protocol.CFP) {
	if a.tracker.State() == nil {
		return
	}
	if !cfp.IsBuyer {
		// baseline agents only sell on request; a selling CFP gets no offer
		a.send(from, protocol.Decline{DialogueID: cfp.DialogueID})
		return
	}
	offer, ok := a.strategy.MakeOffer(a.tracker.StateAfterLocks(), a.txFee, cfp.Goods)
	if !ok {
		a.send(from, protocol.Decline{DialogueID: cfp.DialogueID})
		return
	}
	ref := uuid.NewString()
	// the proposer is the seller here; the transaction mirrors that
	tx := protocol.Transaction{
		TransactionID: ref,
		Sender:        a.pbk,
		Counterparty:  from,
		IsSenderBuyer: false,
		Amount:        offer.Amount,
		Quantities:    offer.Quantities,
	}
	a.tracker.AddPendingProposal(ref, tx)
	a.send(from, protocol.Propose{DialogueID: cfp.DialogueID, Ref: ref, Amount: offer.Amount, Quantities: offer.Quantities})
}

// onPropose evaluates the seller's offer against the state projected past
// every current lock, so no two accepted deals can spend the same money.
func (a *Agent) onPropose(from string, prop protocol.Propose) {
	if _, mine := a.sentCFPs[prop.DialogueID]; !mine {
		a.send(from, protocol.Error{Code: protocol.DialogueInconsistent, Msg: "proposal for unknown dialogue"})
		return
	}
	delete(a.sentCFPs, prop.DialogueID)

	tx := protocol.Transaction{
		TransactionID: prop.Ref,
		Sender:        a.pbk,
		Counterparty:  from,
		IsSenderBuyer: true,
		Amount:        prop.Amount,
		Quantities:    prop.Quantities,
	}
	projected := a.tracker.StateAfterLocks()
	if !projected.IsConsistent(tx, a.txFee, a.pbk) || !a.strategy.Profitable(projected, a.txFee, tx, a.pbk) {
		a.send(from, protocol.Decline{DialogueID: prop.DialogueID, Ref: prop.Ref})
		return
	}
	if err := a.tracker.Lock(tx, time.Now()); err != nil {
		a.send(from, protocol.Decline{DialogueID: prop.DialogueID, Ref: prop.Ref})
		return
	}
	a.tracker.AddPendingAcceptance(prop.Ref, tx)
	a.send(from, protocol.Accept{DialogueID: prop.DialogueID, Ref: prop.Ref})
}

// onAccept handles both halves of the two-accept handshake. An accept of a
// proposal this agent made is an initial accept; an accept echoing one this
// agent already sent is the match. Which one it is falls out of whose
// bookkeeping holds the ref.
func (a *Agent) onAccept(from string, acc protocol.Accept) {
	if tx, ok := a.tracker.PopPendingProposal(acc.Ref); ok {
		// initial accept of our own proposal. Locks taken since we proposed
		// may have changed what this deal is worth, so both consistency and
		// profitability are re-checked against the current projection.
		projected := a.tracker.StateAfterLocks()
		if !projected.IsConsistent(tx, a.txFee, a.pbk) || !a.strategy.Profitable(projected, a.txFee, tx, a.pbk) {
			a.send(from, protocol.Decline{DialogueID: acc.DialogueID, Ref: acc.Ref})
			return
		}
		if err := a.tracker.Lock(tx, time.Now()); err != nil {
			a.send(from, protocol.Decline{DialogueID: acc.DialogueID, Ref: acc.Ref})
			return
		}
		a.send(from, protocol.Accept{DialogueID: acc.DialogueID, Ref: acc.Ref})
		a.send(a.controllerAddr, tx)
		return
	}
	if tx, ok := a.tracker.PopPendingAcceptance(acc.Ref); ok {
		// matching accept; the deal is sealed, submit our side
		a.send(a.controllerAddr, tx)
		return
	}
	a.send(from, protocol.Error{Code: protocol.DialogueInconsistent, Msg: "accept references no live proposal"})
}

func (a *Agent) onDecline(from string, dec protocol.Decline) {
	delete(a.sentCFPs, dec.DialogueID)
	if dec.Ref == "" {
		return
	}
	a.tracker.PopPendingProposal(dec.Ref)
	a.tracker.PopPendingAcceptance(dec.Ref)
	if _, ok := a.tracker.Unlock(dec.Ref); ok {
		a.log.Debugf("counterparty declined %s, lock released", dec.Ref)
	}
}

func (a *Agent) onConfirmation(conf protocol.TransactionConfirmation) {
	if !a.tracker.Confirm(conf.TransactionID) {
		a.log.Warnf("confirmation for unlocked transaction %s", conf.TransactionID)
	}
}

// onStateUpdate rebuilds the tracker's view from the controller's answer.
// Init drops all in-flight locks and pendings, so dialogues cut off by the
// resync are forgotten here too; counterparties still holding them get
// dialogue errors and release their side.
func (a *Agent) onStateUpdate(upd protocol.StateUpdate) {
	a.tracker.Init(upd.Initial)
	for _, tx := range upd.Transactions {
		a.tracker.ConfirmLate(tx)
	}
	a.sentCFPs = make(map[string]struct{})
	a.log.Infof("state resynced: %d settled transactions", len(upd.Transactions))
}

func (a *Agent) onControllerError(from string, e protocol.Error) {
	a.log.Warnf("error from %s: %s %s", from, e.Code, e.Msg)
	if id, ok := e.Details["transaction_id"]; ok {
		if _, released := a.tracker.Unlock(id); released {
			a.log.Debugf("released lock on rejected transaction %s", id)
		}
	}
}

func (a *Agent) send(to string, msg protocol.Message) {
	a.bus.Send(bus.Envelope{From: a.pbk, To: to, Msg: msg})
}
