// Package ledger is the authoritative record of agent balances for one
// competition instance. It holds exclusive mutation rights over holdings and
// money: every settlement goes through Apply, which validates and commits
// the transfer as a single indivisible step under the ledger lock.
package ledger

import (
	"fmt"
	"sync"

	"github.com/agoramarket/agora/internal/game"
	"github.com/agoramarket/agora/internal/protocol"
)

// Rejection is the typed failure returned when a transaction cannot settle.
// Holdings are untouched when a Rejection is returned.
type Rejection struct {
	Code   protocol.ErrorCode
	TxID   string
	Reason string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("transaction %s rejected (%s): %s", r.TxID, r.Code, r.Reason)
}

// Ledger tracks per-agent state, the set of committed transaction ids, and
// the fee pool. Fees are not burned: both parties' shares accumulate in the
// pool, so agent money plus the pool is invariant across settlements.
type Ledger struct {
	mu sync.RWMutex

	cfg       *game.Configuration
	initial   map[string]*game.AgentState
	states    map[string]*game.AgentState
	committed map[string]struct{}
	history   map[string][]protocol.Transaction
	feePool   float64
}

// New builds a ledger from the generated game, one agent row per public key
// in the configuration's stable order.
func New(cfg *game.Configuration, init *game.Initialization) *Ledger {
	l := &Ledger{
		cfg:       cfg,
		initial:   make(map[string]*game.AgentState),
		states:    make(map[string]*game.AgentState),
		committed: make(map[string]struct{}),
		history:   make(map[string][]protocol.Transaction),
	}
	for i, pbk := range cfg.AgentPbks() {
		l.initial[pbk] = game.NewAgentState(init.MoneyAmounts[i], init.Endowments[i], init.UtilityParams[i])
		l.states[pbk] = game.NewAgentState(init.MoneyAmounts[i], init.Endowments[i], init.UtilityParams[i])
	}
	return l
}

// validate runs the full settlement checks in order: known parties,
// replayed id, structural validity, then balance sufficiency with the fee
// shares included. Caller must hold the lock.
func (l *Ledger) validate(tx protocol.Transaction) *Rejection {
	buyer, buyerKnown := l.states[tx.Buyer()]
	seller, sellerKnown := l.states[tx.Seller()]
	if !buyerKnown || !sellerKnown {
		return &Rejection{
			Code: protocol.AgentNotRegistered, TxID: tx.TransactionID,
			Reason: "unknown party",
		}
	}
	if _, done := l.committed[tx.TransactionID]; done {
		return &Rejection{
			Code: protocol.TransactionNotValid, TxID: tx.TransactionID,
			Reason: "already settled",
		}
	}
	if err := tx.Validate(); err != nil {
		return &Rejection{
			Code: protocol.TransactionNotValid, TxID: tx.TransactionID,
			Reason: err.Error(),
		}
	}
	if len(tx.Quantities) != l.cfg.NbGoods {
		return &Rejection{
			Code: protocol.TransactionNotValid, TxID: tx.TransactionID,
			Reason: fmt.Sprintf("%d quantities for %d goods", len(tx.Quantities), l.cfg.NbGoods),
		}
	}

	share := game.FeeShare(l.cfg.TxFee)
	if buyer.Money < tx.Amount+share {
		return &Rejection{
			Code: protocol.TransactionNotValid, TxID: tx.TransactionID,
			Reason: "buyer has insufficient funds",
		}
	}
	if seller.Money+tx.Amount-share < 0 {
		return &Rejection{
			Code: protocol.TransactionNotValid, TxID: tx.TransactionID,
			Reason: "seller cannot cover fee share",
		}
	}
	for j, q := range tx.Quantities {
		if seller.Holdings[j] < q {
			return &Rejection{
				Code: protocol.TransactionNotValid, TxID: tx.TransactionID,
				Reason: fmt.Sprintf("seller has %d of good %d, needs %d", seller.Holdings[j], j, q),
			}
		}
	}
	return nil
}

// Check validates tx without committing anything. The controller uses it to
// vet the first arrival of a two-sided submission before pooling it.
func (l *Ledger) Check(tx protocol.Transaction) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if rej := l.validate(tx); rej != nil {
		return rej
	}
	return nil
}

// Apply validates tx and, if valid, commits the swap and the fee atomically.
// On success both parties' histories record the settlement and a
// confirmation is returned; on failure the returned error is a *Rejection
// and no state changes.
func (l *Ledger) Apply(tx protocol.Transaction) (protocol.TransactionConfirmation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if rej := l.validate(tx); rej != nil {
		return protocol.TransactionConfirmation{}, rej
	}

	buyer := l.states[tx.Buyer()]
	seller := l.states[tx.Seller()]
	share := game.FeeShare(l.cfg.TxFee)

	buyer.Update(tx, l.cfg.TxFee, tx.Buyer())
	seller.Update(tx, l.cfg.TxFee, tx.Seller())
	l.feePool += 2 * share
	l.committed[tx.TransactionID] = struct{}{}
	l.history[tx.Buyer()] = append(l.history[tx.Buyer()], tx)
	l.history[tx.Seller()] = append(l.history[tx.Seller()], tx)

	return protocol.TransactionConfirmation{TransactionID: tx.TransactionID}, nil
}

// Snapshot returns a consistent copy of one agent's state and its confirmed
// transactions. The copy is detached: callers cannot reach live state.
func (l *Ledger) Snapshot(pbk string) (*game.AgentState, []protocol.Transaction, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	st, ok := l.states[pbk]
	if !ok {
		return nil, nil, false
	}
	return st.Clone(), append([]protocol.Transaction(nil), l.history[pbk]...), true
}

// InitialState returns the agent's state as seeded at game setup.
func (l *Ledger) InitialState(pbk string) (*game.AgentState, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	st, ok := l.initial[pbk]
	if !ok {
		return nil, false
	}
	return st.Clone(), true
}

// FeePool returns the accumulated transaction fees.
func (l *Ledger) FeePool() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.feePool
}

// Scores computes each agent's current score at the given utility scale.
func (l *Ledger) Scores(scale float64) map[string]float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	scores := make(map[string]float64, len(l.states))
	for pbk, st := range l.states {
		scores[pbk] = st.Score(scale)
	}
	return scores
}

// Totals returns the per-good holdings sums and total agent money; the
// conservation invariants are checked against these in tests.
func (l *Ledger) Totals() (goods []int, money float64) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	goods = make([]int, l.cfg.NbGoods)
	for _, st := range l.states {
		for j, q := range st.Holdings {
			goods[j] += q
		}
		money += st.Money
	}
	return goods, money
}
