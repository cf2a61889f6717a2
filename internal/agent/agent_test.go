package agent

import (
	"context"
	"fmt"
	"math"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/agoramarket/agora/internal/bus"
	"github.com/agoramarket/agora/internal/controller"
	"github.com/agoramarket/agora/internal/game"
	"github.com/agoramarket/agora/internal/protocol"
)

func testAgent(t *testing.T, b *bus.Bus, utility []float64) (*Agent, <-chan bus.Envelope, <-chan bus.Envelope) {
	t.Helper()
	a := New("me", "tester", b, "ctrl", NewBaseline(0.5), 30*time.Second)
	peer := b.Register("peer")
	ctrl := b.Register("ctrl")
	a.dispatch(bus.Envelope{From: "ctrl", To: "me", Msg: protocol.Registered{}})
	a.dispatch(bus.Envelope{From: "ctrl", To: "me", Msg: protocol.GameData{
		Money:         50,
		Endowment:     []int{2, 2},
		UtilityParams: utility,
		NbAgents:      2,
		NbGoods:       2,
		TxFee:         1.0,
		AgentPbkToName: map[string]string{
			"me": "tester", "peer": "other",
		},
	}})
	return a, peer, ctrl
}

func expect(t *testing.T, inbox <-chan bus.Envelope, kind string) bus.Envelope {
	t.Helper()
	select {
	case env := <-inbox:
		if env.Msg.Kind() != kind {
			t.Fatalf("got %s, want %s", env.Msg.Kind(), kind)
		}
		return env
	default:
		t.Fatalf("no %s was sent", kind)
		return bus.Envelope{}
	}
}

func TestSellerAnswersCFPAndSettlesOnAccept(t *testing.T) {
	b := bus.New()
	a, peer, ctrl := testAgent(t, b, []float64{0.5, 0.5})

	a.dispatch(bus.Envelope{From: "peer", To: "me", Msg: protocol.CFP{
		DialogueID: "dlg-1", IsBuyer: true, Goods: []int{0},
	}})

	prop := expect(t, peer, protocol.Propose{}.Kind()).Msg.(protocol.Propose)
	if prop.Quantities[0] != 1 || prop.Quantities[1] != 0 {
		t.Fatalf("proposed quantities %v, want one unit of good 0", prop.Quantities)
	}
	// reservation plus fee share plus margin, in cents
	want := math.Round((10*0.5*(math.Log(3)-math.Log(2))+0.5+0.5)*100) / 100
	if math.Abs(prop.Amount-want) > 1e-9 {
		t.Errorf("proposed amount %v, want %v", prop.Amount, want)
	}
	if !a.tracker.HasPendingProposal(prop.Ref) {
		t.Fatal("proposal not recorded")
	}

	// the buyer's initial accept: lock, matching accept, submission
	a.dispatch(bus.Envelope{From: "peer", To: "me", Msg: protocol.Accept{
		DialogueID: "dlg-1", Ref: prop.Ref,
	}})

	expect(t, peer, protocol.Accept{}.Kind())
	sub := expect(t, ctrl, protocol.Transaction{}.Kind()).Msg.(protocol.Transaction)
	if sub.TransactionID != prop.Ref {
		t.Errorf("submitted id %q, want the proposal ref %q", sub.TransactionID, prop.Ref)
	}
	if sub.IsSenderBuyer || sub.Sender != "me" || sub.Counterparty != "peer" {
		t.Errorf("submission roles wrong: %+v", sub)
	}
	if a.tracker.LockedCount() != 1 {
		t.Errorf("locked count %d, want 1", a.tracker.LockedCount())
	}

	// confirmation settles the local view
	a.dispatch(bus.Envelope{From: "ctrl", To: "me", Msg: protocol.TransactionConfirmation{
		TransactionID: sub.TransactionID,
	}})
	if a.tracker.LockedCount() != 0 {
		t.Errorf("lock not released on confirmation")
	}
	if got := a.tracker.State().Holdings[0]; got != 1 {
		t.Errorf("good 0 holdings %d after sale, want 1", got)
	}
	if got := a.tracker.State().Money; math.Abs(got-(50+sub.Amount-0.5)) > 1e-9 {
		t.Errorf("money %v after sale, want %v", got, 50+sub.Amount-0.5)
	}
}

func TestBuyerAcceptsProfitableProposal(t *testing.T) {
	b := bus.New()
	// strong preference for good 0 makes a cheap offer profitable
	a, peer, ctrl := testAgent(t, b, []float64{0.9, 0.1})

	a.onTick(time.Now())
	cfp := expect(t, peer, protocol.CFP{}.Kind()).Msg.(protocol.CFP)
	if !cfp.IsBuyer {
		t.Fatal("opening CFP should carry the buyer role")
	}

	a.dispatch(bus.Envelope{From: "peer", To: "me", Msg: protocol.Propose{
		DialogueID: cfp.DialogueID, Ref: "ref-1", Amount: 0.1, Quantities: []int{1, 0},
	}})

	expect(t, peer, protocol.Accept{}.Kind())
	if !a.tracker.HasPendingAcceptance("ref-1") {
		t.Fatal("acceptance not recorded")
	}
	if a.tracker.LockedCount() != 1 {
		t.Fatalf("locked count %d, want 1", a.tracker.LockedCount())
	}

	// the matching accept seals the deal: the buyer submits its side
	a.dispatch(bus.Envelope{From: "peer", To: "me", Msg: protocol.Accept{
		DialogueID: cfp.DialogueID, Ref: "ref-1",
	}})
	sub := expect(t, ctrl, protocol.Transaction{}.Kind()).Msg.(protocol.Transaction)
	if !sub.IsSenderBuyer || sub.Sender != "me" {
		t.Errorf("submission roles wrong: %+v", sub)
	}
	if a.tracker.HasPendingAcceptance("ref-1") {
		t.Error("acceptance should be consumed on the matching accept")
	}
}

func TestBuyerDeclinesUnprofitableProposal(t *testing.T) {
	b := bus.New()
	a, peer, _ := testAgent(t, b, []float64{0.5, 0.5})

	a.onTick(time.Now())
	cfp := expect(t, peer, protocol.CFP{}.Kind()).Msg.(protocol.CFP)

	// gain for one unit is ~1.44, the ask far exceeds it
	a.dispatch(bus.Envelope{From: "peer", To: "me", Msg: protocol.Propose{
		DialogueID: cfp.DialogueID, Ref: "ref-1", Amount: 40, Quantities: []int{1, 0},
	}})

	expect(t, peer, protocol.Decline{}.Kind())
	if a.tracker.LockedCount() != 0 {
		t.Error("declined proposal must not lock")
	}
}

func TestAcceptDeclinedWhenEarlierLockErasesProfit(t *testing.T) {
	b := bus.New()
	a, peer, ctrl := testAgent(t, b, []float64{0.5, 0.5})

	// two buyers ask for good 0 before either answers; both offers are
	// priced off the same unlocked state
	a.dispatch(bus.Envelope{From: "peer", To: "me", Msg: protocol.CFP{
		DialogueID: "dlg-1", IsBuyer: true, Goods: []int{0},
	}})
	first := expect(t, peer, protocol.Propose{}.Kind()).Msg.(protocol.Propose)
	a.dispatch(bus.Envelope{From: "peer", To: "me", Msg: protocol.CFP{
		DialogueID: "dlg-2", IsBuyer: true, Goods: []int{0},
	}})
	second := expect(t, peer, protocol.Propose{}.Kind()).Msg.(protocol.Propose)

	// the first sale locks, leaving one unit of good 0 behind the lock
	a.dispatch(bus.Envelope{From: "peer", To: "me", Msg: protocol.Accept{
		DialogueID: "dlg-1", Ref: first.Ref,
	}})
	expect(t, peer, protocol.Accept{}.Kind())
	expect(t, ctrl, protocol.Transaction{}.Kind())

	// parting with the next-to-last unit costs more than the stale ask
	// pays, so the second accept must be declined, not committed
	a.dispatch(bus.Envelope{From: "peer", To: "me", Msg: protocol.Accept{
		DialogueID: "dlg-2", Ref: second.Ref,
	}})
	dec := expect(t, peer, protocol.Decline{}.Kind()).Msg.(protocol.Decline)
	if dec.Ref != second.Ref {
		t.Errorf("declined ref %q, want %q", dec.Ref, second.Ref)
	}
	if a.tracker.LockedCount() != 1 {
		t.Errorf("locked count %d, want only the first sale", a.tracker.LockedCount())
	}
	select {
	case env := <-ctrl:
		t.Fatalf("unprofitable deal submitted: %s", env.Msg.Kind())
	default:
	}
}

func TestResyncRequestsStateUpdate(t *testing.T) {
	b := bus.New()
	a, _, ctrl := testAgent(t, b, []float64{0.5, 0.5})

	a.Resync()
	expect(t, ctrl, protocol.GetStateUpdate{}.Kind())
}

func TestAcceptWithUnknownRefIsInconsistent(t *testing.T) {
	b := bus.New()
	a, peer, _ := testAgent(t, b, []float64{0.5, 0.5})

	a.dispatch(bus.Envelope{From: "peer", To: "me", Msg: protocol.Accept{
		DialogueID: "dlg-x", Ref: "no-such-ref",
	}})

	env := expect(t, peer, protocol.Error{}.Kind())
	if e := env.Msg.(protocol.Error); e.Code != protocol.DialogueInconsistent {
		t.Fatalf("got %s, want DIALOGUE_INCONSISTENT", e.Code)
	}
}

func TestProposalForUnknownDialogueIsInconsistent(t *testing.T) {
	b := bus.New()
	a, peer, _ := testAgent(t, b, []float64{0.5, 0.5})

	a.dispatch(bus.Envelope{From: "peer", To: "me", Msg: protocol.Propose{
		DialogueID: "never-opened", Ref: "ref-1", Amount: 1, Quantities: []int{1, 0},
	}})

	env := expect(t, peer, protocol.Error{}.Kind())
	if e := env.Msg.(protocol.Error); e.Code != protocol.DialogueInconsistent {
		t.Fatalf("got %s, want DIALOGUE_INCONSISTENT", e.Code)
	}
}

func TestDeclineReleasesLock(t *testing.T) {
	b := bus.New()
	a, peer, _ := testAgent(t, b, []float64{0.9, 0.1})

	a.onTick(time.Now())
	cfp := expect(t, peer, protocol.CFP{}.Kind()).Msg.(protocol.CFP)
	a.dispatch(bus.Envelope{From: "peer", To: "me", Msg: protocol.Propose{
		DialogueID: cfp.DialogueID, Ref: "ref-1", Amount: 0.1, Quantities: []int{1, 0},
	}})
	expect(t, peer, protocol.Accept{}.Kind())

	a.dispatch(bus.Envelope{From: "peer", To: "me", Msg: protocol.Decline{
		DialogueID: cfp.DialogueID, Ref: "ref-1",
	}})
	if a.tracker.LockedCount() != 0 {
		t.Error("decline must release the lock")
	}
	if !a.tracker.Idle() {
		t.Error("tracker should be idle after the decline")
	}
}

// endReport captures the controller's final accounting for the
// conservation checks below.
type endReport struct {
	feePool float64
	settled int
	scores  map[string]float64
}

func (r *endReport) OnPhase(controller.Phase)                               {}
func (r *endReport) OnGameStart(*game.Configuration, *game.Initialization) {}
func (r *endReport) OnSettle(protocol.Transaction)                         { r.settled++ }
func (r *endReport) OnEnd(scores map[string]float64, feePool float64) {
	r.scores = scores
	r.feePool = feePool
}

// Full in-process competition: controller plus baseline agents trading
// until the clock runs out. Whatever trades happened, the distributed
// confirmed views plus the fee pool must add up to the seeded totals.
func TestCompetitionConservesTotals(t *testing.T) {
	if testing.Short() {
		t.Skip("multi-second end-to-end run")
	}

	const nbAgents = 4
	b := bus.New()
	report := &endReport{}
	ctrl := controller.New(b, controller.Params{
		MinNbAgents:         nbAgents,
		NbGoods:             3,
		TxFee:               1.0,
		MoneyEndowment:      200,
		BaseGoodEndowment:   2,
		LowerBoundFactor:    1,
		UpperBoundFactor:    1,
		RegistrationTimeout: 10 * time.Second,
		CompetitionTimeout:  3 * time.Second,
		InactivityTimeout:   time.Minute,
		Seed:                7,
	}, report)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	agents := make([]*Agent, nbAgents)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ctrl.Run(ctx) })
	for i := 0; i < nbAgents; i++ {
		a := New(fmt.Sprintf("pbk_%d", i), fmt.Sprintf("agent_%02d", i), b,
			controller.DefaultAddr, NewBaseline(0.1), 10*time.Second)
		agents[i] = a
		g.Go(func() error { return a.Run(ctx) })
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("run: %v", err)
	}

	if report.scores == nil {
		t.Fatal("competition ended without final accounting")
	}

	var money float64
	goods := make([]int, 3)
	for _, a := range agents {
		st := a.Tracker().State()
		if st == nil {
			t.Fatal("agent never received game data")
		}
		if st.Money < 0 {
			t.Errorf("%s ended with negative money %v", a.Pbk(), st.Money)
		}
		money += st.Money
		for j, q := range st.Holdings {
			if q < 0 {
				t.Errorf("%s ended with negative holdings of good %d", a.Pbk(), j)
			}
			goods[j] += q
		}
	}

	wantMoney := float64(nbAgents * 200)
	if math.Abs(money+report.feePool-wantMoney) > 1e-6 {
		t.Errorf("money %v + fee pool %v = %v, want %v",
			money, report.feePool, money+report.feePool, wantMoney)
	}
	if want := float64(report.settled) * 1.0; math.Abs(report.feePool-want) > 1e-6 {
		t.Errorf("fee pool %v for %d settlements, want %v", report.feePool, report.settled, want)
	}
}
