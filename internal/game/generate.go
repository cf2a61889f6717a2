package game

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
)

// ErrSingularSystem reports a degenerate utility/endowment draw whose
// reduced price system is not invertible. The caller must treat the game
// configuration as fatal (or re-sample); a non-clearing allocation is never
// returned silently.
var ErrSingularSystem = errors.New("equilibrium: singular price system")

// relative tolerance for the market-clearing and conservation checks run on
// every generated equilibrium.
const eqTolerance = 1e-8

// quantityShift is the α in the quasi-linear utility u·ln(q+α); it keeps the
// equilibrium demand finite at zero holdings.
const QuantityShift = 1.0

// GenParams drives game generation. All sampling flows from Rand, so a
// fixed seed reproduces the full economy.
type GenParams struct {
	NbAgents          int
	NbGoods           int
	TxFee             float64
	MoneyEndowment    int
	BaseGoodEndowment int
	LowerBoundFactor  int
	UpperBoundFactor  int
	Rand              *rand.Rand
}

// ScalingFactor returns the utility scale t used in the money equilibrium:
// one order of magnitude below the money endowment.
func ScalingFactor(moneyEndowment int) float64 {
	digits := len(fmt.Sprintf("%d", moneyEndowment))
	return math.Pow10(digits - 1)
}

// GenerateUtilityParams samples one non-negative preference row per agent.
// Each row is drawn as positive integers, normalized, and quantized so it
// sums to exactly 1 at four decimals, with the last entry absorbing drift.
func GenerateUtilityParams(r *rand.Rand, nbAgents, nbGoods int) [][]float64 {
	params := make([][]float64, nbAgents)
	for i := range params {
		raw := make([]int, nbGoods)
		total := 0
		for j := range raw {
			raw[j] = 1 + r.Intn(100)
			total += raw[j]
		}
		row := make([]float64, nbGoods)
		sum := 0.0
		for j := 0; j < nbGoods-1; j++ {
			row[j] = roundTo(float64(raw[j])/float64(total), utilityDecimals)
			sum += row[j]
		}
		last := roundTo(1.0-sum, utilityDecimals)
		quantum := math.Pow(10, -float64(utilityDecimals))
		if last < quantum {
			// accumulated rounding across a wide row can eat the whole
			// remainder; shift weight off the largest share so every good
			// keeps a positive preference
			maxIx := 0
			for j := 1; j < nbGoods-1; j++ {
				if row[j] > row[maxIx] {
					maxIx = j
				}
			}
			row[maxIx] = roundTo(row[maxIx]-(quantum-last), utilityDecimals)
			last = quantum
		}
		row[nbGoods-1] = last
		params[i] = row
	}
	return params
}

// GenerateEndowments gives every agent the base amount of every good, then
// scatters extra units uniformly so each good's total instance count lands
// in [nbAgents·(base+lower), nbAgents·(base+upper)].
func GenerateEndowments(r *rand.Rand, nbAgents, nbGoods, base, lower, upper int) [][]int {
	endowments := make([][]int, nbAgents)
	for i := range endowments {
		row := make([]int, nbGoods)
		for j := range row {
			row[j] = base
		}
		endowments[i] = row
	}
	for j := 0; j < nbGoods; j++ {
		lo := nbAgents * (base + lower)
		hi := nbAgents * (base + upper)
		total := lo
		if hi > lo {
			total += r.Intn(hi - lo + 1)
		}
		for extra := total - nbAgents*base; extra > 0; extra-- {
			endowments[r.Intn(nbAgents)][j]++
		}
	}
	return endowments
}

// ComputeEquilibrium solves the money-economy competitive equilibrium in
// closed form: prices clear each good market and money is conserved across
// agents. t is the utility scaling factor, alpha the quantity shift.
func ComputeEquilibrium(endowments [][]int, utilityParams [][]float64, moneyEndowment int, t, alpha float64) (prices []float64, allocation [][]float64, money []float64) {
	n := len(endowments)
	m := len(endowments[0])

	prices = make([]float64, m)
	for j := 0; j < m; j++ {
		var utilitySum, supply float64
		for i := 0; i < n; i++ {
			utilitySum += utilityParams[i][j]
			supply += float64(endowments[i][j])
		}
		prices[j] = t * utilitySum / (float64(n)*alpha + supply)
	}

	allocation = make([][]float64, n)
	money = make([]float64, n)
	for i := 0; i < n; i++ {
		row := make([]float64, m)
		wealth := 0.0
		for j := 0; j < m; j++ {
			row[j] = utilityParams[i][j]*t/prices[j] - alpha
			wealth += prices[j] * (float64(endowments[i][j]) + alpha)
		}
		allocation[i] = row
		money[i] = wealth + float64(moneyEndowment) - t
	}
	return prices, allocation, money
}

// ComputeBarterEquilibrium solves the no-money equilibrium. The homogeneous
// system A·p = 0 is normalized with p[0] = 1 and reduced to an
// (m−1)×(m−1) linear solve; a singular reduced matrix returns
// ErrSingularSystem.
func ComputeBarterEquilibrium(endowments [][]int, utilityParams [][]float64) (prices []float64, allocation [][]float64, err error) {
	n := len(endowments)
	m := len(endowments[0])

	a := make([][]float64, m)
	for j := 0; j < m; j++ {
		row := make([]float64, m)
		for k := 0; k < m; k++ {
			for i := 0; i < n; i++ {
				u := utilityParams[i][j]
				if k == j {
					u -= 1
				}
				row[k] += u * float64(endowments[i][k])
			}
		}
		a[j] = row
	}

	// rows 1..m−1, unknowns p[1..m−1], moving the p[0]=1 column to the rhs
	reduced := make([][]float64, m-1)
	rhs := make([]float64, m-1)
	for j := 1; j < m; j++ {
		reduced[j-1] = append([]float64(nil), a[j][1:]...)
		rhs[j-1] = -a[j][0]
	}
	tail, err := solveLinear(reduced, rhs)
	if err != nil {
		return nil, nil, err
	}
	prices = append([]float64{1.0}, tail...)

	// residual check on the full homogeneous system, including row 0
	for j := 0; j < m; j++ {
		var dot, scale float64
		for k := 0; k < m; k++ {
			dot += a[j][k] * prices[k]
			scale += math.Abs(a[j][k] * prices[k])
		}
		if scale > 0 && math.Abs(dot)/scale > eqTolerance {
			return nil, nil, fmt.Errorf("equilibrium: price residual %g on good %d: %w", dot, j, ErrSingularSystem)
		}
	}

	allocation = make([][]float64, n)
	for i := 0; i < n; i++ {
		wealth := 0.0
		for k := 0; k < m; k++ {
			wealth += prices[k] * float64(endowments[i][k])
		}
		row := make([]float64, m)
		for j := 0; j < m; j++ {
			row[j] = utilityParams[i][j] / prices[j] * wealth
		}
		allocation[i] = row
	}
	return prices, allocation, nil
}

// solveLinear is Gaussian elimination with partial pivoting. The corpus
// carries no linear-algebra dependency and the system here is tiny
// (nb_goods−1 square), so this stays local.
func solveLinear(a [][]float64, b []float64) ([]float64, error) {
	n := len(a)
	for col := 0; col < n; col++ {
		pivot := col
		for row := col + 1; row < n; row++ {
			if math.Abs(a[row][col]) > math.Abs(a[pivot][col]) {
				pivot = row
			}
		}
		if math.Abs(a[pivot][col]) < 1e-12 {
			return nil, ErrSingularSystem
		}
		a[col], a[pivot] = a[pivot], a[col]
		b[col], b[pivot] = b[pivot], b[col]

		for row := col + 1; row < n; row++ {
			f := a[row][col] / a[col][col]
			for k := col; k < n; k++ {
				a[row][k] -= f * a[col][k]
			}
			b[row] -= f * b[col]
		}
	}
	x := make([]float64, n)
	for row := n - 1; row >= 0; row-- {
		sum := b[row]
		for k := row + 1; k < n; k++ {
			sum -= a[row][k] * x[k]
		}
		x[row] = sum / a[row][row]
	}
	return x, nil
}

// Generate samples a full starting economy and verifies its equilibrium
// before returning. The result is deterministic for a given GenParams.Rand.
func Generate(p GenParams) (*Initialization, error) {
	if p.NbAgents < 2 || p.NbGoods < 2 {
		return nil, fmt.Errorf("generate: need at least 2 agents and 2 goods, got %d/%d", p.NbAgents, p.NbGoods)
	}
	if p.LowerBoundFactor > p.UpperBoundFactor {
		return nil, fmt.Errorf("generate: lower bound factor %d above upper %d", p.LowerBoundFactor, p.UpperBoundFactor)
	}

	t := ScalingFactor(p.MoneyEndowment)
	utilityParams := GenerateUtilityParams(p.Rand, p.NbAgents, p.NbGoods)
	endowments := GenerateEndowments(p.Rand, p.NbAgents, p.NbGoods, p.BaseGoodEndowment, p.LowerBoundFactor, p.UpperBoundFactor)
	prices, allocation, money := ComputeEquilibrium(endowments, utilityParams, p.MoneyEndowment, t, QuantityShift)

	init := &Initialization{
		MoneyAmounts:    uniformMoney(p.NbAgents, p.MoneyEndowment),
		Endowments:      endowments,
		UtilityParams:   utilityParams,
		EqPrices:        prices,
		EqGoodHoldings:  allocation,
		EqMoneyHoldings: money,
	}
	if err := verifyEquilibrium(init, p.NbAgents, p.MoneyEndowment); err != nil {
		return nil, err
	}
	if err := init.Check(); err != nil {
		return nil, err
	}
	return init, nil
}

func uniformMoney(nbAgents, moneyEndowment int) []float64 {
	amounts := make([]float64, nbAgents)
	for i := range amounts {
		amounts[i] = float64(moneyEndowment)
	}
	return amounts
}

// verifyEquilibrium enforces market clearing per good and total-money
// conservation within the numerical tolerance.
func verifyEquilibrium(init *Initialization, nbAgents, moneyEndowment int) error {
	m := len(init.EqPrices)
	for j := 0; j < m; j++ {
		var allocated, endowed float64
		for i := range init.Endowments {
			allocated += init.EqGoodHoldings[i][j]
			endowed += float64(init.Endowments[i][j])
		}
		if relDiff(allocated, endowed) > eqTolerance {
			return fmt.Errorf("equilibrium: good %d does not clear (allocated %v, endowed %v)", j, allocated, endowed)
		}
	}
	var totalMoney float64
	for _, v := range init.EqMoneyHoldings {
		totalMoney += v
	}
	want := float64(nbAgents * moneyEndowment)
	if relDiff(totalMoney, want) > eqTolerance {
		return fmt.Errorf("equilibrium: money not conserved (got %v, want %v)", totalMoney, want)
	}
	return nil
}

func relDiff(a, b float64) float64 {
	scale := math.Max(math.Abs(a), math.Abs(b))
	if scale == 0 {
		return 0
	}
	return math.Abs(a-b) / scale
}
