// Package tracker keeps one participant's in-flight negotiation state: the
// transactions it has committed to but not yet seen settle, the proposals it
// is waiting to hear back on, and the acceptances awaiting a matching
// accept. Its central invariant: the forward-looking projection (current
// holdings with every locked transaction applied) never goes negative.
// Any operation that would break that is refused instead.
package tracker

import (
	"errors"
	"time"

	"github.com/agoramarket/agora/internal/game"
	"github.com/agoramarket/agora/internal/protocol"
)

// ErrUnaffordable means locking the transaction would drive the projected
// money or a good quantity negative.
var ErrUnaffordable = errors.New("tracker: transaction not affordable against projected state")

type lockedTx struct {
	tx       protocol.Transaction
	lockedAt time.Time
}

// Tracker is not safe for concurrent use; each participant drives it from
// its own message loop.
type Tracker struct {
	owner       string
	txFee       float64
	lockTimeout time.Duration

	state  *game.AgentState
	locked []lockedTx
	lockIx map[string]int

	pendingProposals   map[string]protocol.Transaction
	pendingAcceptances map[string]protocol.Transaction
}

func New(owner string, lockTimeout time.Duration) *Tracker {
	return &Tracker{
		owner:              owner,
		lockTimeout:        lockTimeout,
		lockIx:             make(map[string]int),
		pendingProposals:   make(map[string]protocol.Transaction),
		pendingAcceptances: make(map[string]protocol.Transaction),
	}
}

// Init seeds the authoritative local state from the controller's GameData
// and drops all in-flight bookkeeping. A resync replaces the whole view:
// any lock whose transaction already settled is in the history the caller
// replays next, and keeping it would count the transaction twice in the
// projection. Negotiations cut off by the reset fall out through the
// counterparty's dialogue errors.
func (t *Tracker) Init(data protocol.GameData) {
	t.txFee = data.TxFee
	t.state = game.NewAgentState(data.Money, data.Endowment, data.UtilityParams)
	t.locked = nil
	t.lockIx = make(map[string]int)
	t.pendingProposals = make(map[string]protocol.Transaction)
	t.pendingAcceptances = make(map[string]protocol.Transaction)
}

// State returns the authoritative local state (ledger-confirmed view).
func (t *Tracker) State() *game.AgentState { return t.state }

// StateAfterLocks projects the current state forward through every locked
// transaction, in lock order. Proposals and profitability checks run
// against this, not the raw state.
func (t *Tracker) StateAfterLocks() *game.AgentState {
	projected := t.state.Clone()
	for _, l := range t.locked {
		projected.Update(l.tx, t.txFee, t.owner)
	}
	return projected
}

// Lock commits the participant to tx. It refuses with ErrUnaffordable when
// the projection could not honor the transaction.
func (t *Tracker) Lock(tx protocol.Transaction, now time.Time) error {
	if !t.StateAfterLocks().IsConsistent(tx, t.txFee, t.owner) {
		return ErrUnaffordable
	}
	t.lockIx[tx.TransactionID] = len(t.locked)
	t.locked = append(t.locked, lockedTx{tx: tx, lockedAt: now})
	return nil
}

// Unlock drops a locked transaction (declined or failed), reverting its
// forward-looking effect.
func (t *Tracker) Unlock(txID string) (protocol.Transaction, bool) {
	ix, ok := t.lockIx[txID]
	if !ok {
		return protocol.Transaction{}, false
	}
	tx := t.locked[ix].tx
	t.locked = append(t.locked[:ix], t.locked[ix+1:]...)
	delete(t.lockIx, txID)
	for i := ix; i < len(t.locked); i++ {
		t.lockIx[t.locked[i].tx.TransactionID] = i
	}
	return tx, true
}

// LockedCount returns the number of in-flight locked transactions.
func (t *Tracker) LockedCount() int { return len(t.locked) }

// ExpireLocks drops every lock older than the configured timeout and
// returns the dropped transactions. Locks are never permanent without a
// confirmation.
func (t *Tracker) ExpireLocks(now time.Time) []protocol.Transaction {
	var expired []protocol.Transaction
	for _, l := range t.locked {
		if now.Sub(l.lockedAt) > t.lockTimeout {
			expired = append(expired, l.tx)
		}
	}
	for _, tx := range expired {
		t.Unlock(tx.TransactionID)
	}
	return expired
}

// Confirm settles txID locally: the lock is released and the transaction is
// applied to the authoritative state with the ledger's own update rule. A
// confirmation for an already-expired lock still applies, keeping the local
// view synchronized with the ledger.
func (t *Tracker) Confirm(txID string) bool {
	tx, ok := t.Unlock(txID)
	if !ok {
		return false
	}
	t.state.Update(tx, t.txFee, t.owner)
	return true
}

// ConfirmLate applies a transaction whose lock was already dropped.
func (t *Tracker) ConfirmLate(tx protocol.Transaction) {
	t.state.Update(tx, t.txFee, t.owner)
}

// AddPendingProposal records a proposal sent to a counterparty, keyed by
// the reference the counterparty will echo on Accept or Decline.
func (t *Tracker) AddPendingProposal(ref string, tx protocol.Transaction) {
	t.pendingProposals[ref] = tx
}

// PopPendingProposal removes and returns the proposal behind ref.
func (t *Tracker) PopPendingProposal(ref string) (protocol.Transaction, bool) {
	tx, ok := t.pendingProposals[ref]
	if ok {
		delete(t.pendingProposals, ref)
	}
	return tx, ok
}

// HasPendingProposal reports whether ref names one of our own proposals.
func (t *Tracker) HasPendingProposal(ref string) bool {
	_, ok := t.pendingProposals[ref]
	return ok
}

// AddPendingAcceptance records a proposal we accepted, so the
// counterparty's follow-up Accept is recognized as a matching accept
// rather than a fresh acceptance.
func (t *Tracker) AddPendingAcceptance(ref string, tx protocol.Transaction) {
	t.pendingAcceptances[ref] = tx
}

// PopPendingAcceptance removes and returns the acceptance behind ref.
func (t *Tracker) PopPendingAcceptance(ref string) (protocol.Transaction, bool) {
	tx, ok := t.pendingAcceptances[ref]
	if ok {
		delete(t.pendingAcceptances, ref)
	}
	return tx, ok
}

// HasPendingAcceptance reports whether ref names an acceptance we sent.
func (t *Tracker) HasPendingAcceptance(ref string) bool {
	_, ok := t.pendingAcceptances[ref]
	return ok
}

// Idle reports whether no in-flight bookkeeping remains; true is required
// when the competition terminates.
func (t *Tracker) Idle() bool {
	return len(t.locked) == 0 && len(t.pendingProposals) == 0 && len(t.pendingAcceptances) == 0
}
