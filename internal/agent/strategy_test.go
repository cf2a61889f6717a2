package agent

import (
	"math"
	"testing"

	"github.com/agoramarket/agora/internal/game"
	"github.com/agoramarket/agora/internal/protocol"
)

func baselineFixture() *Baseline {
	b := NewBaseline(0.5)
	b.Init(protocol.GameData{Money: 200, TxFee: 1.0, NbGoods: 2})
	return b
}

func TestDemandedGoodsFiltersByFee(t *testing.T) {
	b := baselineFixture()
	// good 0 mostly worthless, good 1 valuable
	s := game.NewAgentState(200, []int{2, 2}, []float64{0.01, 0.99})

	goods := b.DemandedGoods(s)
	if len(goods) != 1 || goods[0] != 1 {
		t.Fatalf("demanded %v, want [1]", goods)
	}
}

func TestMakeOfferPicksCheapestGood(t *testing.T) {
	b := baselineFixture()
	s := game.NewAgentState(200, []int{2, 2}, []float64{0.2, 0.8})

	offer, ok := b.MakeOffer(s, 1.0, nil)
	if !ok {
		t.Fatal("no offer made")
	}
	// the low-utility good costs the seller less to give up
	if offer.Quantities[0] != 1 || offer.Quantities[1] != 0 {
		t.Fatalf("offered %v, want one unit of good 0", offer.Quantities)
	}
	loss := 100 * 0.2 * (math.Log(3) - math.Log(2))
	want := math.Round((loss+0.5+0.5)*100) / 100
	if offer.Amount != want {
		t.Errorf("amount %v, want %v", offer.Amount, want)
	}
}

func TestMakeOfferRespectsStock(t *testing.T) {
	b := baselineFixture()
	s := game.NewAgentState(200, []int{0, 0}, []float64{0.5, 0.5})

	if _, ok := b.MakeOffer(s, 1.0, nil); ok {
		t.Fatal("offer made with empty stock")
	}
}

func TestMakeOfferIgnoresBadGoodIDs(t *testing.T) {
	b := baselineFixture()
	s := game.NewAgentState(200, []int{2, 2}, []float64{0.5, 0.5})

	if _, ok := b.MakeOffer(s, 1.0, []int{-1, 7}); ok {
		t.Fatal("offer made for out-of-range goods")
	}
}

func TestProfitableUsesScoreDiff(t *testing.T) {
	b := baselineFixture()
	s := game.NewAgentState(200, []int{2, 2}, []float64{0.9, 0.1})

	cheap := protocol.Transaction{
		TransactionID: "tx-1", Sender: "me", Counterparty: "peer",
		IsSenderBuyer: true, Amount: 1, Quantities: []int{1, 0},
	}
	if !b.Profitable(s, 1.0, cheap, "me") {
		t.Error("cheap unit of a loved good should be profitable")
	}

	dear := cheap
	dear.Amount = 100
	if b.Profitable(s, 1.0, dear, "me") {
		t.Error("overpriced unit should not be profitable")
	}
}
