package relay

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/agoramarket/agora/internal/bus"
	"github.com/agoramarket/agora/internal/protocol"
)

// Envelope is the wire format for messages crossing the WebSocket boundary.
type Envelope struct {
	Kind      string          `json:"kind"`
	From      string          `json:"from"`
	To        string          `json:"to"`
	Timestamp time.Time       `json:"ts"`
	Payload   json.RawMessage `json:"payload"`
}

// Marshal serializes a bus envelope for the wire.
func Marshal(env bus.Envelope) ([]byte, error) {
	payload, err := json.Marshal(env.Msg)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return json.Marshal(Envelope{
		Kind:      env.Msg.Kind(),
		From:      env.From,
		To:        env.To,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	})
}

// Unmarshal decodes a wire envelope back into a typed bus envelope.
func Unmarshal(data []byte) (bus.Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return bus.Envelope{}, fmt.Errorf("unmarshal envelope: %w", err)
	}

	msg, err := decodePayload(env.Kind, env.Payload)
	if err != nil {
		return bus.Envelope{}, err
	}
	return bus.Envelope{From: env.From, To: env.To, Msg: msg}, nil
}

func decodePayload(kind string, payload json.RawMessage) (protocol.Message, error) {
	var msg protocol.Message
	switch kind {
	case protocol.Register{}.Kind():
		msg = &protocol.Register{}
	case protocol.Unregister{}.Kind():
		msg = &protocol.Unregister{}
	case protocol.GetStateUpdate{}.Kind():
		msg = &protocol.GetStateUpdate{}
	case protocol.Registered{}.Kind():
		msg = &protocol.Registered{}
	case protocol.Unregistered{}.Kind():
		msg = &protocol.Unregistered{}
	case protocol.Cancelled{}.Kind():
		msg = &protocol.Cancelled{}
	case protocol.GameData{}.Kind():
		msg = &protocol.GameData{}
	case protocol.TransactionConfirmation{}.Kind():
		msg = &protocol.TransactionConfirmation{}
	case protocol.StateUpdate{}.Kind():
		msg = &protocol.StateUpdate{}
	case protocol.Error{}.Kind():
		msg = &protocol.Error{}
	case protocol.CFP{}.Kind():
		msg = &protocol.CFP{}
	case protocol.Propose{}.Kind():
		msg = &protocol.Propose{}
	case protocol.Accept{}.Kind():
		msg = &protocol.Accept{}
	case protocol.Decline{}.Kind():
		msg = &protocol.Decline{}
	case protocol.Transaction{}.Kind():
		msg = &protocol.Transaction{}
	default:
		return nil, fmt.Errorf("unknown message kind: %s", kind)
	}
	if err := json.Unmarshal(payload, msg); err != nil {
		return nil, fmt.Errorf("unmarshal %s: %w", kind, err)
	}
	return deref(msg), nil
}

// deref returns the value the pointer decodes into, so handlers can switch
// on the same concrete types whether a message travelled the wire or not.
func deref(msg protocol.Message) protocol.Message {
	switch m := msg.(type) {
	case *protocol.Register:
		return *m
	case *protocol.Unregister:
		return *m
	case *protocol.GetStateUpdate:
		return *m
	case *protocol.Registered:
		return *m
	case *protocol.Unregistered:
		return *m
	case *protocol.Cancelled:
		return *m
	case *protocol.GameData:
		return *m
	case *protocol.TransactionConfirmation:
		return *m
	case *protocol.StateUpdate:
		return *m
	case *protocol.Error:
		return *m
	case *protocol.CFP:
		return *m
	case *protocol.Propose:
		return *m
	case *protocol.Accept:
		return *m
	case *protocol.Decline:
		return *m
	case *protocol.Transaction:
		return *m
	}
	return msg
}
