package relay

import (
	"testing"

	"github.com/agoramarket/agora/internal/bus"
	"github.com/agoramarket/agora/internal/protocol"
)

func roundTrip(t *testing.T, env bus.Envelope) bus.Envelope {
	t.Helper()
	data, err := Marshal(env)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	out, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	return out
}

func TestTransactionSurvivesWire(t *testing.T) {
	in := bus.Envelope{From: "a1", To: "controller", Msg: protocol.Transaction{
		TransactionID: "tx-1",
		Sender:        "a1",
		Counterparty:  "a2",
		IsSenderBuyer: true,
		Amount:        12.75,
		Quantities:    []int{1, 0, 2},
	}}
	out := roundTrip(t, in)

	if out.From != "a1" || out.To != "controller" {
		t.Errorf("addresses %s -> %s", out.From, out.To)
	}
	tx, ok := out.Msg.(protocol.Transaction)
	if !ok {
		t.Fatalf("decoded as %T, want value-typed Transaction", out.Msg)
	}
	if !tx.Matches(protocol.Transaction{
		TransactionID: "tx-1", Sender: "a2", Counterparty: "a1",
		IsSenderBuyer: false, Amount: 12.75, Quantities: []int{1, 0, 2},
	}) {
		t.Errorf("transaction mangled: %+v", tx)
	}
}

func TestGameDataSurvivesWire(t *testing.T) {
	in := bus.Envelope{From: "controller", To: "a1", Msg: protocol.GameData{
		Money:          200,
		Endowment:      []int{2, 3},
		UtilityParams:  []float64{0.4, 0.6},
		NbAgents:       2,
		NbGoods:        2,
		TxFee:          1,
		AgentPbkToName: map[string]string{"a1": "alice"},
		GoodPbkToName:  map[string]string{"good_00": "Good 0"},
	}}
	out := roundTrip(t, in)

	data, ok := out.Msg.(protocol.GameData)
	if !ok {
		t.Fatalf("decoded as %T", out.Msg)
	}
	if data.Money != 200 || data.Endowment[1] != 3 || data.AgentPbkToName["a1"] != "alice" {
		t.Errorf("game data mangled: %+v", data)
	}
}

func TestErrorCodeSurvivesWire(t *testing.T) {
	in := bus.Envelope{From: "controller", To: "a1", Msg: protocol.Error{
		Code:    protocol.TransactionNotMatching,
		Msg:     "mismatch",
		Details: map[string]string{"transaction_id": "tx-1"},
	}}
	out := roundTrip(t, in)

	e, ok := out.Msg.(protocol.Error)
	if !ok {
		t.Fatalf("decoded as %T", out.Msg)
	}
	if e.Code != protocol.TransactionNotMatching || e.Details["transaction_id"] != "tx-1" {
		t.Errorf("error mangled: %+v", e)
	}
}

func TestEmptyBodyKindsDecode(t *testing.T) {
	for _, msg := range []protocol.Message{
		protocol.Unregister{},
		protocol.GetStateUpdate{},
		protocol.Registered{},
		protocol.Cancelled{},
	} {
		out := roundTrip(t, bus.Envelope{From: "x", To: "y", Msg: msg})
		if out.Msg.Kind() != msg.Kind() {
			t.Errorf("kind %s decoded as %s", msg.Kind(), out.Msg.Kind())
		}
	}
}

func TestUnknownKindRejected(t *testing.T) {
	if _, err := Unmarshal([]byte(`{"kind":"bogus","from":"x","to":"y","payload":{}}`)); err == nil {
		t.Fatal("unknown kind should fail")
	}
}

func TestGarbageRejected(t *testing.T) {
	if _, err := Unmarshal([]byte(`not json`)); err == nil {
		t.Fatal("garbage should fail")
	}
}
