package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agoramarket/agora/internal/bus"
	"github.com/agoramarket/agora/internal/config"
	"github.com/agoramarket/agora/internal/controller"
	"github.com/agoramarket/agora/internal/relay"
	"github.com/agoramarket/agora/internal/store"
	"github.com/agoramarket/agora/internal/telemetry"
)

func main() {
	cfg := config.Load()
	telemetry.Init(telemetry.ParseLogLevel(cfg.LogLevel))
	telemetry.Infof("Starting controller")

	params := controller.Params{
		MinNbAgents:         cfg.MinNbAgents,
		NbGoods:             cfg.NbGoods,
		TxFee:               cfg.TxFee,
		MoneyEndowment:      cfg.MoneyEndowment,
		BaseGoodEndowment:   cfg.BaseGoodEndowment,
		LowerBoundFactor:    cfg.LowerBoundFactor,
		UpperBoundFactor:    cfg.UpperBoundFactor,
		RegistrationTimeout: cfg.RegistrationTimeout,
		CompetitionTimeout:  cfg.CompetitionTimeout,
		InactivityTimeout:   cfg.InactivityTimeout,
		Seed:                cfg.Seed,
	}

	// ── Tournament params ───────────────────────────────────────
	if cfg.ParamsPath != "" {
		tp, err := config.LoadTournamentParams(cfg.ParamsPath)
		if err != nil {
			telemetry.Errorf("Failed to load tournament params: %v", err)
			os.Exit(1)
		}
		applyTournamentParams(&params, tp)
		telemetry.Infof("Tournament params loaded from %q", cfg.ParamsPath)
	}

	// ── Persistence ─────────────────────────────────────────────
	st, err := store.Open(cfg.StorePath)
	if err != nil {
		telemetry.Errorf("Failed to open store: %v", err)
		os.Exit(1)
	}
	defer st.Close()

	// ── Relay gateway ───────────────────────────────────────────
	b := bus.New()
	gateway := relay.NewGateway(b)
	go func() {
		if err := gateway.ListenAndServe(cfg.ListenHost, cfg.ListenPort); err != nil {
			telemetry.Errorf("Relay gateway: %v", err)
			os.Exit(1)
		}
	}()

	// ── Controller ──────────────────────────────────────────────
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ctrl := controller.New(b, params, st)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := ctrl.Run(ctx); err != nil && ctx.Err() == nil {
			telemetry.Errorf("Controller: %v", err)
		}
	}()

	// ── Shutdown ────────────────────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
		telemetry.Infof("Shutting down...")
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
		}
	case <-done:
	}

	telemetry.Infof("Shutdown complete  registrations=%d  submitted=%d  settled=%d  rejected=%d",
		telemetry.Metrics.Registrations.Value(),
		telemetry.Metrics.TxsSubmitted.Value(),
		telemetry.Metrics.TxsSettled.Value(),
		telemetry.Metrics.TxsRejected.Value(),
	)
}

func applyTournamentParams(p *controller.Params, tp config.TournamentParams) {
	if tp.MinNbAgents > 0 {
		p.MinNbAgents = tp.MinNbAgents
	}
	if tp.NbGoods > 0 {
		p.NbGoods = tp.NbGoods
	}
	if tp.TxFee > 0 {
		p.TxFee = tp.TxFee
	}
	if tp.MoneyEndowment > 0 {
		p.MoneyEndowment = tp.MoneyEndowment
	}
	if tp.BaseGoodEndowment > 0 {
		p.BaseGoodEndowment = tp.BaseGoodEndowment
	}
	if tp.LowerBoundFactor > 0 {
		p.LowerBoundFactor = tp.LowerBoundFactor
	}
	if tp.UpperBoundFactor > 0 {
		p.UpperBoundFactor = tp.UpperBoundFactor
	}
	if tp.RegistrationTimeoutSec > 0 {
		p.RegistrationTimeout = time.Duration(tp.RegistrationTimeoutSec) * time.Second
	}
	if tp.CompetitionTimeoutSec > 0 {
		p.CompetitionTimeout = time.Duration(tp.CompetitionTimeoutSec) * time.Second
	}
	if tp.InactivityTimeoutSec > 0 {
		p.InactivityTimeout = time.Duration(tp.InactivityTimeoutSec) * time.Second
	}
	if tp.Seed != 0 {
		p.Seed = tp.Seed
	}
	p.Whitelist = tp.WhitelistSet()
}
