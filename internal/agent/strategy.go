package agent

import (
	"math"

	"github.com/agoramarket/agora/internal/game"
	"github.com/agoramarket/agora/internal/protocol"
)

// Offer is a priced bundle a seller puts on the table.
type Offer struct {
	Amount     float64
	Quantities []int
}

// Strategy decides what an agent wants, what it offers, and which deals it
// takes. Implementations see the state projected past every pending lock,
// never the raw confirmed state.
type Strategy interface {
	Init(data protocol.GameData)
	DemandedGoods(s *game.AgentState) []int
	MakeOffer(s *game.AgentState, txFee float64, goods []int) (Offer, bool)
	Profitable(s *game.AgentState, txFee float64, tx protocol.Transaction, owner string) bool
}

// Baseline trades single units on marginal utility: buy any good whose
// utility gain beats its cost, sell any good for more than its utility loss
// plus a margin.
type Baseline struct {
	// Margin is added on top of a seller's reservation price.
	Margin float64

	scale   float64
	txFee   float64
	nbGoods int
}

func NewBaseline(margin float64) *Baseline {
	return &Baseline{Margin: margin}
}

func (b *Baseline) Init(data protocol.GameData) {
	// the score scale is not on the wire; the initial money amount has the
	// same order of magnitude as the endowment it was derived from
	b.scale = game.ScalingFactor(int(math.Round(data.Money)))
	b.txFee = data.TxFee
	b.nbGoods = data.NbGoods
}

// DemandedGoods lists the goods for which one more unit is worth more than
// the unavoidable fee share, so a profitable price can exist at all.
func (b *Baseline) DemandedGoods(s *game.AgentState) []int {
	feeShare := game.FeeShare(b.txFee)
	var goods []int
	for j := range s.Holdings {
		if b.marginalGain(s, j) > feeShare {
			goods = append(goods, j)
		}
	}
	return goods
}

// MakeOffer picks the cheapest-to-give requested good the seller can spare
// and prices it at reservation plus margin.
func (b *Baseline) MakeOffer(s *game.AgentState, txFee float64, goods []int) (Offer, bool) {
	if len(goods) == 0 {
		goods = make([]int, len(s.Holdings))
		for j := range goods {
			goods[j] = j
		}
	}
	best := -1
	bestLoss := math.Inf(1)
	for _, j := range goods {
		if j < 0 || j >= len(s.Holdings) || s.Holdings[j] < 1 {
			continue
		}
		if loss := b.marginalLoss(s, j); loss < bestLoss {
			best, bestLoss = j, loss
		}
	}
	if best < 0 {
		return Offer{}, false
	}
	amount := roundCents(bestLoss + game.FeeShare(txFee) + b.Margin)
	// the sale must leave the seller able to cover its fee share
	if s.Money+amount-game.FeeShare(txFee) < 0 {
		return Offer{}, false
	}
	quantities := make([]int, len(s.Holdings))
	quantities[best] = 1
	return Offer{Amount: amount, Quantities: quantities}, true
}

func (b *Baseline) Profitable(s *game.AgentState, txFee float64, tx protocol.Transaction, owner string) bool {
	return s.ScoreDiff(tx, txFee, owner, b.scale) > 0
}

func (b *Baseline) marginalGain(s *game.AgentState, j int) float64 {
	q := float64(s.Holdings[j])
	return b.scale * s.UtilityParams[j] * (math.Log(q+1+game.QuantityShift) - math.Log(q+game.QuantityShift))
}

func (b *Baseline) marginalLoss(s *game.AgentState, j int) float64 {
	q := float64(s.Holdings[j])
	return b.scale * s.UtilityParams[j] * (math.Log(q+game.QuantityShift) - math.Log(q-1+game.QuantityShift))
}

func roundCents(x float64) float64 {
	return math.Round(x*100) / 100
}
