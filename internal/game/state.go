package game

import (
	"math"

	"github.com/agoramarket/agora/internal/protocol"
)

// AgentState is one agent's holdings, money, and preferences. The ledger
// owns the authoritative copies; participants keep a mirrored one and apply
// the identical update rule on confirmation.
type AgentState struct {
	Money         float64
	Holdings      []int
	UtilityParams []float64
}

func NewAgentState(money float64, endowment []int, utilityParams []float64) *AgentState {
	return &AgentState{
		Money:         money,
		Holdings:      append([]int(nil), endowment...),
		UtilityParams: append([]float64(nil), utilityParams...),
	}
}

// Clone returns an independent copy; used for forward projections and
// read-only snapshots.
func (s *AgentState) Clone() *AgentState {
	return NewAgentState(s.Money, s.Holdings, s.UtilityParams)
}

// Score is the quasi-linear utility of the state: scale·Σ u_j·ln(q_j+α)
// plus money. scale matches the generator's scaling factor so goods and
// money trade off on comparable terms.
func (s *AgentState) Score(scale float64) float64 {
	goods := 0.0
	for j, q := range s.Holdings {
		goods += s.UtilityParams[j] * math.Log(float64(q)+QuantityShift)
	}
	return scale*goods + s.Money
}

// ScoreDiff simulates tx and returns the score delta it would produce for
// owner, fee included.
func (s *AgentState) ScoreDiff(tx protocol.Transaction, txFee float64, owner string, scale float64) float64 {
	next := s.Clone()
	next.Update(tx, txFee, owner)
	return next.Score(scale) - s.Score(scale)
}

// IsConsistent reports whether owner can honor tx from this state: a buyer
// needs the amount plus its fee share in money, a seller needs the goods
// and must absorb a fee share exceeding the amount, if any.
func (s *AgentState) IsConsistent(tx protocol.Transaction, txFee float64, owner string) bool {
	share := FeeShare(txFee)
	if tx.Buyer() == owner {
		return s.Money >= tx.Amount+share
	}
	if s.Money+tx.Amount-share < 0 {
		return false
	}
	for j, q := range tx.Quantities {
		if s.Holdings[j] < q {
			return false
		}
	}
	return true
}

// Update applies tx to the state from owner's perspective: the buyer pays
// amount plus fee share and gains the goods; the seller receives amount
// minus fee share and gives them up. The ledger and the agents apply this
// same rule, so confirmed views never drift.
func (s *AgentState) Update(tx protocol.Transaction, txFee float64, owner string) {
	share := FeeShare(txFee)
	buying := tx.Buyer() == owner
	if buying {
		s.Money -= tx.Amount + share
	} else {
		s.Money += tx.Amount - share
	}
	for j, q := range tx.Quantities {
		if buying {
			s.Holdings[j] += q
		} else {
			s.Holdings[j] -= q
		}
	}
}

// Apply returns the state after applying every transaction in order.
func (s *AgentState) Apply(txs []protocol.Transaction, txFee float64, owner string) *AgentState {
	next := s.Clone()
	for _, tx := range txs {
		next.Update(tx, txFee, owner)
	}
	return next
}
