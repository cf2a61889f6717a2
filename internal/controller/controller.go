// Package controller owns one competition instance: the registration
// roster, the phase machine, message dispatch, timeouts, and settlement
// through the ledger. All mutating work for an instance runs on a single
// dispatch goroutine, so two conflicting transactions for the same agent
// can never both pass validation. Independent instances share nothing.
package controller

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/agoramarket/agora/internal/bus"
	"github.com/agoramarket/agora/internal/game"
	"github.com/agoramarket/agora/internal/ledger"
	"github.com/agoramarket/agora/internal/protocol"
	"github.com/agoramarket/agora/internal/telemetry"
)

// DefaultAddr is the bus address agents reach the controller at.
const DefaultAddr = "controller"

// how often the running-phase loop checks the inactivity clock.
const inactivityCheckInterval = 2 * time.Second

// Params configures one competition instance.
type Params struct {
	MinNbAgents       int
	NbGoods           int
	TxFee             float64
	MoneyEndowment    int
	BaseGoodEndowment int
	LowerBoundFactor  int
	UpperBoundFactor  int

	RegistrationTimeout time.Duration
	CompetitionTimeout  time.Duration
	InactivityTimeout   time.Duration

	// Whitelist restricts admissible agent display names; nil admits all.
	Whitelist map[string]struct{}

	Seed int64
}

// Observer is notified of instance lifecycle events. Calls arrive on the
// dispatch goroutine and must not block.
type Observer interface {
	OnPhase(phase Phase)
	OnGameStart(cfg *game.Configuration, init *game.Initialization)
	OnSettle(tx protocol.Transaction)
	OnEnd(scores map[string]float64, feePool float64)
}

// Controller runs the competition phase machine for a single game instance.
type Controller struct {
	addr      string
	bus       *bus.Bus
	params    Params
	observers []Observer
	log       telemetry.Tagged

	phase      Phase
	roster     map[string]string // agent pbk → display name
	cfg        *game.Configuration
	ledger     *ledger.Ledger
	gameData   map[string]protocol.GameData
	pendingTxs map[string]protocol.Transaction // first-arrival pool, by tx id
	lastSettle time.Time
	startedAt  time.Time
}

func New(b *bus.Bus, params Params, observers ...Observer) *Controller {
	return &Controller{
		addr:       DefaultAddr,
		bus:        b,
		params:     params,
		observers:  observers,
		log:        telemetry.Tag("controller"),
		phase:      WaitingRegistration,
		roster:     make(map[string]string),
		gameData:   make(map[string]protocol.GameData),
		pendingTxs: make(map[string]protocol.Transaction),
	}
}

// Addr returns the controller's bus address.
func (c *Controller) Addr() string { return c.addr }

// Phase returns the current phase. Only the dispatch goroutine writes it;
// reading from other goroutines is meaningful only after Run returns.
func (c *Controller) Phase() Phase { return c.phase }

// Run drives the instance until termination. Cancelling ctx is the explicit
// termination command: every pending wait resolves and registrants are told
// the competition is cancelled.
func (c *Controller) Run(ctx context.Context) error {
	inbox := c.bus.Register(c.addr)
	defer c.bus.Deregister(c.addr)

	telemetry.Metrics.ActiveGames.Inc()
	defer telemetry.Metrics.ActiveGames.Dec()

	regDeadline := time.NewTimer(c.params.RegistrationTimeout)
	defer regDeadline.Stop()

	c.log.Infof("waiting for registrations (quorum %d, deadline %s)",
		c.params.MinNbAgents, c.params.RegistrationTimeout)

	// ── registration ───────────────────────────────────────────
	for c.phase == WaitingRegistration {
		select {
		case <-ctx.Done():
			c.cancel("terminated during registration")
			return ctx.Err()
		case <-regDeadline.C:
			if len(c.roster) >= c.params.MinNbAgents {
				c.startGame()
			} else {
				c.cancel(fmt.Sprintf("registration closed with %d agents, quorum %d", len(c.roster), c.params.MinNbAgents))
				return nil
			}
		case env, ok := <-inbox:
			if !ok {
				c.cancel("inbox closed")
				return errors.New("controller: inbox closed")
			}
			c.dispatchRegistration(env)
			if len(c.roster) >= c.params.MinNbAgents {
				c.startGame()
			}
		}
	}
	if c.phase == Terminated {
		c.drainInbox(inbox)
		return nil
	}

	// ── running ────────────────────────────────────────────────
	compDeadline := time.NewTimer(c.params.CompetitionTimeout)
	defer compDeadline.Stop()
	inactivity := time.NewTicker(inactivityCheckInterval)
	defer inactivity.Stop()

	for c.phase == Running {
		select {
		case <-ctx.Done():
			c.cancel("terminated by command")
			return ctx.Err()
		case <-compDeadline.C:
			c.terminate("competition timeout")
		case <-inactivity.C:
			if time.Since(c.lastSettle) > c.params.InactivityTimeout {
				c.terminate("inactivity timeout")
			}
		case env, ok := <-inbox:
			if !ok {
				c.terminate("inbox closed")
				return errors.New("controller: inbox closed")
			}
			c.dispatchRunning(env)
		}
	}
	c.drainInbox(inbox)
	return nil
}

// drainInbox answers whatever queued up behind the termination so senders
// are not left waiting on a dead instance.
func (c *Controller) drainInbox(inbox <-chan bus.Envelope) {
	for {
		select {
		case env, ok := <-inbox:
			if !ok {
				return
			}
			c.sendError(env.From, protocol.CompetitionNotRunning, "competition is not running")
		default:
			return
		}
	}
}

// ── registration phase ─────────────────────────────────────────

func (c *Controller) dispatchRegistration(env bus.Envelope) {
	switch msg := env.Msg.(type) {
	case protocol.Register:
		c.handleRegister(env.From, msg)
	case protocol.Unregister:
		c.handleUnregister(env.From)
	case protocol.Transaction, protocol.GetStateUpdate:
		c.sendError(env.From, protocol.CompetitionNotRunning, "competition is not running")
	default:
		c.sendError(env.From, protocol.RequestNotValid, fmt.Sprintf("unexpected %s during registration", env.Msg.Kind()))
	}
}

func (c *Controller) handleRegister(pbk string, msg protocol.Register) {
	if c.params.Whitelist != nil {
		if _, ok := c.params.Whitelist[msg.AgentName]; !ok {
			telemetry.Metrics.RegisterRejects.Inc()
			c.sendError(pbk, protocol.AgentNameNotInWhitelist, fmt.Sprintf("agent name not in whitelist: %q", msg.AgentName))
			return
		}
	}
	if _, dup := c.roster[pbk]; dup {
		telemetry.Metrics.RegisterRejects.Inc()
		c.sendError(pbk, protocol.AgentPbkAlreadyRegistered, "public key already registered")
		return
	}
	for _, name := range c.roster {
		if name == msg.AgentName {
			telemetry.Metrics.RegisterRejects.Inc()
			c.sendError(pbk, protocol.AgentNameAlreadyRegistered, fmt.Sprintf("agent name already registered: %q", msg.AgentName))
			return
		}
	}
	c.roster[pbk] = msg.AgentName
	telemetry.Metrics.Registrations.Inc()
	c.log.Infof("agent registered: %q (%d/%d)", msg.AgentName, len(c.roster), c.params.MinNbAgents)
	c.bus.Send(bus.Envelope{From: c.addr, To: pbk, Msg: protocol.Registered{}})
}

func (c *Controller) handleUnregister(pbk string) {
	name, ok := c.roster[pbk]
	if !ok {
		c.sendError(pbk, protocol.AgentNotRegistered, "agent not registered")
		return
	}
	delete(c.roster, pbk)
	c.log.Infof("agent unregistered: %q", name)
	c.bus.Send(bus.Envelope{From: c.addr, To: pbk, Msg: protocol.Unregistered{}})
}

// ── game setup ─────────────────────────────────────────────────

// startGame runs the setup phase exactly once: generate the economy from
// the final roster, seed the ledger, and hand every agent its slice.
// Generation failure is fatal to the instance.
func (c *Controller) startGame() {
	c.transition(GameSetup)

	goodPbkToName := make(map[string]string, c.params.NbGoods)
	for j := 0; j < c.params.NbGoods; j++ {
		goodPbkToName[fmt.Sprintf("good_%02d", j)] = fmt.Sprintf("Good %d", j)
	}
	cfg := &game.Configuration{
		NbAgents:       len(c.roster),
		NbGoods:        c.params.NbGoods,
		TxFee:          c.params.TxFee,
		AgentPbkToName: copyMap(c.roster),
		GoodPbkToName:  goodPbkToName,
	}
	if err := cfg.Check(); err != nil {
		c.cancel(fmt.Sprintf("bad game configuration: %v", err))
		return
	}

	init, err := game.Generate(game.GenParams{
		NbAgents:          cfg.NbAgents,
		NbGoods:           cfg.NbGoods,
		TxFee:             cfg.TxFee,
		MoneyEndowment:    c.params.MoneyEndowment,
		BaseGoodEndowment: c.params.BaseGoodEndowment,
		LowerBoundFactor:  c.params.LowerBoundFactor,
		UpperBoundFactor:  c.params.UpperBoundFactor,
		Rand:              rand.New(rand.NewSource(c.params.Seed)),
	})
	if err != nil {
		c.cancel(fmt.Sprintf("game generation failed: %v", err))
		return
	}

	c.cfg = cfg
	c.ledger = ledger.New(cfg, init)
	for i, pbk := range cfg.AgentPbks() {
		data := protocol.GameData{
			Money:          init.MoneyAmounts[i],
			Endowment:      init.Endowments[i],
			UtilityParams:  init.UtilityParams[i],
			NbAgents:       cfg.NbAgents,
			NbGoods:        cfg.NbGoods,
			TxFee:          cfg.TxFee,
			AgentPbkToName: cfg.AgentPbkToName,
			GoodPbkToName:  cfg.GoodPbkToName,
		}
		c.gameData[pbk] = data
		c.bus.Send(bus.Envelope{From: c.addr, To: pbk, Msg: data})
	}

	for _, obs := range c.observers {
		obs.OnGameStart(cfg, init)
	}
	c.lastSettle = time.Now()
	c.startedAt = time.Now()
	telemetry.Metrics.GamesStarted.Inc()
	c.log.Infof("competition started: %d agents, %d goods, fee %.2f", cfg.NbAgents, cfg.NbGoods, cfg.TxFee)
	c.transition(Running)
}

// ── running phase ──────────────────────────────────────────────

func (c *Controller) dispatchRunning(env bus.Envelope) {
	switch msg := env.Msg.(type) {
	case protocol.Transaction:
		c.handleTransaction(env.From, msg)
	case protocol.GetStateUpdate:
		c.handleGetStateUpdate(env.From)
	case protocol.Register, protocol.Unregister:
		c.sendError(env.From, protocol.RequestNotValid, "registration is closed")
	default:
		c.sendError(env.From, protocol.RequestNotValid, fmt.Sprintf("unexpected %s while running", env.Msg.Kind()))
	}
}

// handleTransaction implements two-sided settlement: the first arrival of a
// transaction id is validated and pooled, the second must mirror it, and
// only then does the ledger commit exactly once and notify both parties.
func (c *Controller) handleTransaction(from string, tx protocol.Transaction) {
	telemetry.Metrics.TxsSubmitted.Inc()
	if _, known := c.roster[from]; !known {
		c.sendError(from, protocol.AgentNotRegistered, "agent not registered")
		return
	}
	if tx.Sender != from {
		c.sendError(from, protocol.RequestNotValid, "transaction sender does not match message origin")
		return
	}

	pending, seen := c.pendingTxs[tx.TransactionID]
	if !seen {
		if err := c.ledger.Check(tx); err != nil {
			c.rejectTransaction(from, tx, err)
			return
		}
		c.pendingTxs[tx.TransactionID] = tx
		c.log.Debugf("transaction %s pooled, waiting for counterparty", tx.TransactionID)
		return
	}

	delete(c.pendingTxs, tx.TransactionID)
	if !tx.Matches(pending) {
		telemetry.Metrics.TxsRejected.Inc()
		c.sendError(from, protocol.TransactionNotMatching, "transaction does not match the counterparty's view")
		return
	}
	conf, err := c.ledger.Apply(tx)
	if err != nil {
		c.rejectTransaction(from, tx, err)
		return
	}

	telemetry.Metrics.TxsSettled.Inc()
	telemetry.Metrics.SettlementDelay.Record(time.Since(c.lastSettle))
	c.lastSettle = time.Now()
	c.bus.Send(bus.Envelope{From: c.addr, To: tx.Sender, Msg: conf})
	c.bus.Send(bus.Envelope{From: c.addr, To: tx.Counterparty, Msg: conf})
	for _, obs := range c.observers {
		obs.OnSettle(tx)
	}
	c.log.Debugf("transaction %s settled", tx.TransactionID)
}

func (c *Controller) rejectTransaction(from string, tx protocol.Transaction, err error) {
	telemetry.Metrics.TxsRejected.Inc()
	var rej *ledger.Rejection
	if errors.As(err, &rej) {
		c.sendErrorDetails(from, rej.Code, rej.Reason, map[string]string{"transaction_id": tx.TransactionID})
		return
	}
	c.sendErrorDetails(from, protocol.GenericError, err.Error(), map[string]string{"transaction_id": tx.TransactionID})
}

func (c *Controller) handleGetStateUpdate(from string) {
	if _, known := c.roster[from]; !known {
		c.sendError(from, protocol.AgentNotRegistered, "agent not registered")
		return
	}
	_, history, ok := c.ledger.Snapshot(from)
	if !ok {
		c.sendError(from, protocol.GenericError, "no ledger state for agent")
		return
	}
	c.bus.Send(bus.Envelope{From: c.addr, To: from, Msg: protocol.StateUpdate{
		Initial:      c.gameData[from],
		Transactions: history,
	}})
}

// ── termination ────────────────────────────────────────────────

// cancel terminates the instance before or during setup and tells every
// registrant the competition will not run.
func (c *Controller) cancel(reason string) {
	c.log.Warnf("competition cancelled: %s", reason)
	telemetry.Metrics.GamesCancelled.Inc()
	c.broadcast(protocol.Cancelled{})
	c.transition(Terminated)
	c.notifyEnd()
}

// terminate ends a running competition; a lifecycle event, not a failure.
func (c *Controller) terminate(reason string) {
	c.log.Infof("competition terminated: %s (ran %s)", reason, time.Since(c.startedAt).Round(time.Second))
	c.broadcast(protocol.Cancelled{})
	c.transition(Terminated)
	c.notifyEnd()
}

func (c *Controller) notifyEnd() {
	var scores map[string]float64
	var feePool float64
	if c.ledger != nil {
		scores = c.ledger.Scores(game.ScalingFactor(c.params.MoneyEndowment))
		feePool = c.ledger.FeePool()
	}
	for _, obs := range c.observers {
		obs.OnEnd(scores, feePool)
	}
}

func (c *Controller) transition(next Phase) {
	if !c.phase.CanTransition(next) {
		c.log.Errorf("illegal phase transition %s -> %s ignored", c.phase, next)
		return
	}
	c.phase = next
	for _, obs := range c.observers {
		obs.OnPhase(next)
	}
}

func (c *Controller) broadcast(msg protocol.Message) {
	for pbk := range c.roster {
		c.bus.Send(bus.Envelope{From: c.addr, To: pbk, Msg: msg})
	}
}

func (c *Controller) sendError(to string, code protocol.ErrorCode, msg string) {
	c.sendErrorDetails(to, code, msg, nil)
}

func (c *Controller) sendErrorDetails(to string, code protocol.ErrorCode, msg string, details map[string]string) {
	c.log.Debugf("error to %s: %s %s", to, code, msg)
	c.bus.Send(bus.Envelope{From: c.addr, To: to, Msg: protocol.Error{Code: code, Msg: msg, Details: details}})
}

func copyMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
