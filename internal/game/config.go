// Package game holds the economy model of a competition instance: the
// immutable configuration produced at setup, the equilibrium generator that
// seeds it, and the per-agent state the ledger and participants mutate.
package game

import (
	"fmt"
	"math"
	"sort"
)

// utility params are quantized so each row sums to exactly 1 at this
// precision; fee shares round to cents.
const (
	utilityDecimals = 4
	moneyDecimals   = 2
)

func roundTo(v float64, decimals int) float64 {
	p := math.Pow10(decimals)
	return math.Round(v*p) / p
}

// FeeShare is the half of the transaction fee each party pays, in money
// units rounded to cents.
func FeeShare(txFee float64) float64 {
	return roundTo(txFee/2.0, moneyDecimals)
}

// Configuration is the immutable shape of a competition instance: who plays,
// what is traded, and the fee. Created once at game setup.
type Configuration struct {
	NbAgents       int
	NbGoods        int
	TxFee          float64
	AgentPbkToName map[string]string
	GoodPbkToName  map[string]string
}

// AgentPbks returns the agent public keys in a stable order.
func (c *Configuration) AgentPbks() []string {
	pbks := make([]string, 0, len(c.AgentPbkToName))
	for pbk := range c.AgentPbkToName {
		pbks = append(pbks, pbk)
	}
	sort.Strings(pbks)
	return pbks
}

// GoodPbks returns the good public keys in a stable order.
func (c *Configuration) GoodPbks() []string {
	pbks := make([]string, 0, len(c.GoodPbkToName))
	for pbk := range c.GoodPbkToName {
		pbks = append(pbks, pbk)
	}
	sort.Strings(pbks)
	return pbks
}

func (c *Configuration) Check() error {
	if c.TxFee < 0 {
		return fmt.Errorf("game configuration: tx fee must be non-negative")
	}
	if c.NbAgents < 2 {
		return fmt.Errorf("game configuration: need at least two agents, got %d", c.NbAgents)
	}
	if c.NbGoods < 2 {
		return fmt.Errorf("game configuration: need at least two goods, got %d", c.NbGoods)
	}
	if len(c.AgentPbkToName) != c.NbAgents {
		return fmt.Errorf("game configuration: %d agent keys for %d agents", len(c.AgentPbkToName), c.NbAgents)
	}
	if len(c.GoodPbkToName) != c.NbGoods {
		return fmt.Errorf("game configuration: %d good keys for %d goods", len(c.GoodPbkToName), c.NbGoods)
	}
	if n := countUnique(c.AgentPbkToName); n != c.NbAgents {
		return fmt.Errorf("game configuration: agent names are not unique (%d distinct)", n)
	}
	if n := countUnique(c.GoodPbkToName); n != c.NbGoods {
		return fmt.Errorf("game configuration: good names are not unique (%d distinct)", n)
	}
	return nil
}

func countUnique(m map[string]string) int {
	seen := make(map[string]struct{}, len(m))
	for _, v := range m {
		seen[v] = struct{}{}
	}
	return len(seen)
}

// Initialization is the generated starting economy plus the theoretical
// equilibrium benchmark. Immutable once distributed.
type Initialization struct {
	MoneyAmounts  []float64
	Endowments    [][]int
	UtilityParams [][]float64

	EqPrices        []float64
	EqGoodHoldings  [][]float64
	EqMoneyHoldings []float64
}

func (in *Initialization) Check() error {
	n := len(in.Endowments)
	if len(in.MoneyAmounts) != n || len(in.UtilityParams) != n {
		return fmt.Errorf("game initialization: row counts disagree (endowments=%d money=%d utility=%d)",
			n, len(in.MoneyAmounts), len(in.UtilityParams))
	}
	if len(in.EqGoodHoldings) != n || len(in.EqMoneyHoldings) != n {
		return fmt.Errorf("game initialization: equilibrium rows disagree with agent count %d", n)
	}
	for i, money := range in.MoneyAmounts {
		if money < 0 {
			return fmt.Errorf("game initialization: agent %d has negative money %v", i, money)
		}
	}
	for i, row := range in.Endowments {
		if len(row) != len(in.UtilityParams[i]) {
			return fmt.Errorf("game initialization: agent %d endowment/utility dimensions disagree", i)
		}
		if len(in.EqPrices) != len(row) {
			return fmt.Errorf("game initialization: %d equilibrium prices for %d goods", len(in.EqPrices), len(row))
		}
		for j, e := range row {
			if e <= 0 {
				return fmt.Errorf("game initialization: agent %d holds %d of good %d, want > 0", i, e, j)
			}
			if in.UtilityParams[i][j] <= 0 {
				return fmt.Errorf("game initialization: agent %d utility param %v for good %d, want > 0", i, in.UtilityParams[i][j], j)
			}
		}
	}
	return nil
}
