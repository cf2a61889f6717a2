// Simulation runs a full competition in one process: a controller plus a
// flock of baseline agents wired to the same in-memory bus. Useful for
// testing parameter sets and strategies without standing up the relay.
package main

import (
	"context"
	"flag"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/agoramarket/agora/internal/agent"
	"github.com/agoramarket/agora/internal/bus"
	"github.com/agoramarket/agora/internal/config"
	"github.com/agoramarket/agora/internal/controller"
	"github.com/agoramarket/agora/internal/game"
	"github.com/agoramarket/agora/internal/protocol"
	"github.com/agoramarket/agora/internal/telemetry"
)

func main() {
	nbAgents := flag.Int("agents", 5, "number of baseline agents")
	nbGoods := flag.Int("goods", 5, "number of tradable goods")
	duration := flag.Duration("duration", 30*time.Second, "competition duration")
	seed := flag.Int64("seed", 42, "generation seed")
	margin := flag.Float64("margin", 0.5, "seller margin over reservation price")
	flag.Parse()

	cfg := config.Load()
	telemetry.Init(telemetry.ParseLogLevel(cfg.LogLevel))
	telemetry.Infof("Simulation: %d agents, %d goods, %s", *nbAgents, *nbGoods, *duration)

	params := controller.Params{
		MinNbAgents:         *nbAgents,
		NbGoods:             *nbGoods,
		TxFee:               cfg.TxFee,
		MoneyEndowment:      cfg.MoneyEndowment,
		BaseGoodEndowment:   cfg.BaseGoodEndowment,
		LowerBoundFactor:    cfg.LowerBoundFactor,
		UpperBoundFactor:    cfg.UpperBoundFactor,
		RegistrationTimeout: 10 * time.Second,
		CompetitionTimeout:  *duration,
		InactivityTimeout:   cfg.InactivityTimeout,
		Seed:                *seed,
	}

	b := bus.New()
	report := &reporter{moneyEndowment: params.MoneyEndowment}
	ctrl := controller.New(b, params, report)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return ctrl.Run(ctx)
	})
	for i := 0; i < *nbAgents; i++ {
		a := agent.New(uuid.NewString(), fmt.Sprintf("baseline_%02d", i), b,
			controller.DefaultAddr, agent.NewBaseline(*margin), cfg.LockTimeout)
		g.Go(func() error { return a.Run(ctx) })
	}

	if err := g.Wait(); err != nil && err != context.Canceled {
		telemetry.Errorf("Simulation: %v", err)
	}
	report.print()
}

// reporter collects the controller's lifecycle events and prints the
// final ranking when the run ends.
type reporter struct {
	moneyEndowment int
	names          map[string]string
	settled        int
	scores         map[string]float64
	feePool        float64
}

func (r *reporter) OnPhase(phase controller.Phase) {
	telemetry.Infof("Phase: %s", phase)
}

func (r *reporter) OnGameStart(cfg *game.Configuration, init *game.Initialization) {
	r.names = cfg.AgentPbkToName
}

func (r *reporter) OnSettle(protocol.Transaction) { r.settled++ }

func (r *reporter) OnEnd(scores map[string]float64, feePool float64) {
	r.scores = scores
	r.feePool = feePool
}

func (r *reporter) print() {
	if r.scores == nil {
		telemetry.Warnf("No game was played")
		return
	}
	type row struct {
		name  string
		score float64
	}
	rows := make([]row, 0, len(r.scores))
	for pbk, score := range r.scores {
		rows = append(rows, row{r.names[pbk], score})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].score > rows[j].score })

	telemetry.Plainf("")
	telemetry.Plainf("Final standings (%d transactions settled, fee pool %.2f):", r.settled, r.feePool)
	for i, row := range rows {
		telemetry.Plainf("  %2d. %-16s %10.2f", i+1, row.name, row.score)
	}
}
