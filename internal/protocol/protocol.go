// Package protocol models the duplex-channel wire contract between browser
// clients and the call relay.
//
// Every frame is a single JSON text message:
//
//	{"event": "call:initiate", "data": {"customerId": "c1", "agentId": "a1"}}
//
// Client and server events are closed sets: each event name maps to exactly one
// Go type carrying that event's field set.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Client -> server event names.
const (
	EventAgentJoin          = "agent:join"
	EventCustomerJoin       = "customer:join"
	EventCallInitiate       = "call:initiate"
	EventCallAccept         = "call:accept"
	EventCallReject         = "call:reject"
	EventCallEnd            = "call:end"
	EventWebRTCOffer        = "webrtc:offer"
	EventWebRTCAnswer       = "webrtc:answer"
	EventWebRTCICECandidate = "webrtc:ice-candidate"
)

// Server -> client event names.
const (
	EventAgentJoined    = "agent:joined"
	EventCustomerJoined = "customer:joined"
	EventCallIncoming   = "call:incoming"
	EventCallInitiated  = "call:initiated"
	EventCallAccepted   = "call:accepted"
	EventCallRejected   = "call:rejected"
	EventCallEnded      = "call:ended"
	EventError          = "error"
)

var (
	ErrUnknownEvent   = errors.New("protocol: unknown event")
	ErrInvalidPayload = errors.New("protocol: invalid payload")
)

// SignalKind is the WebRTC handshake message carried by a webrtc:* event.
type SignalKind string

const (
	SignalOffer        SignalKind = "offer"
	SignalAnswer       SignalKind = "answer"
	SignalICECandidate SignalKind = "ice-candidate"
)

// EventName returns the wire event name used for this kind.
func (k SignalKind) EventName() string { return "webrtc:" + string(k) }

type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// ClientEvent is implemented by every client -> server event.
type ClientEvent interface {
	EventName() string
	clientEvent()
}

type AgentJoin struct {
	AgentID string `json:"agentId"`
}

type CustomerJoin struct {
	CustomerID string `json:"customerId"`
}

type CallInitiate struct {
	CustomerID string `json:"customerId"`
	AgentID    string `json:"agentId"`
}

type CallAccept struct {
	CallID string `json:"callId"`
}

type CallReject struct {
	CallID string `json:"callId"`
}

type CallEnd struct {
	CallID string `json:"callId"`
}

// Signal is a webrtc:offer, webrtc:answer or webrtc:ice-candidate event.
//
// Data holds the event's data object exactly as received; it is what gets
// relayed to the other party.
type Signal struct {
	Kind   SignalKind
	CallID string
	Data   json.RawMessage
}

func (AgentJoin) EventName() string    { return EventAgentJoin }
func (CustomerJoin) EventName() string { return EventCustomerJoin }
func (CallInitiate) EventName() string { return EventCallInitiate }
func (CallAccept) EventName() string   { return EventCallAccept }
func (CallReject) EventName() string   { return EventCallReject }
func (CallEnd) EventName() string      { return EventCallEnd }
func (s Signal) EventName() string     { return s.Kind.EventName() }

func (AgentJoin) clientEvent()    {}
func (CustomerJoin) clientEvent() {}
func (CallInitiate) clientEvent() {}
func (CallAccept) clientEvent()   {}
func (CallReject) clientEvent()   {}
func (CallEnd) clientEvent()      {}
func (Signal) clientEvent()       {}

// ParseClientEvent decodes and validates one inbound frame.
func ParseClientEvent(frame []byte) (ClientEvent, error) {
	var env envelope
	if err := decodeStrict(frame, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if len(env.Data) == 0 || bytes.Equal(env.Data, []byte("null")) {
		return nil, fmt.Errorf("%w: %q missing data", ErrInvalidPayload, env.Event)
	}

	switch env.Event {
	case EventAgentJoin:
		var ev AgentJoin
		if err := decodeStrict(env.Data, &ev); err != nil {
			return nil, invalid(env.Event, err)
		}
		if err := requireID("agentId", &ev.AgentID); err != nil {
			return nil, invalid(env.Event, err)
		}
		return ev, nil
	case EventCustomerJoin:
		var ev CustomerJoin
		if err := decodeStrict(env.Data, &ev); err != nil {
			return nil, invalid(env.Event, err)
		}
		if err := requireID("customerId", &ev.CustomerID); err != nil {
			return nil, invalid(env.Event, err)
		}
		return ev, nil
	case EventCallInitiate:
		var ev CallInitiate
		if err := decodeStrict(env.Data, &ev); err != nil {
			return nil, invalid(env.Event, err)
		}
		if err := requireID("customerId", &ev.CustomerID); err != nil {
			return nil, invalid(env.Event, err)
		}
		if err := requireID("agentId", &ev.AgentID); err != nil {
			return nil, invalid(env.Event, err)
		}
		return ev, nil
	case EventCallAccept:
		id, err := decodeCallID(env.Data)
		if err != nil {
			return nil, invalid(env.Event, err)
		}
		return CallAccept{CallID: id}, nil
	case EventCallReject:
		id, err := decodeCallID(env.Data)
		if err != nil {
			return nil, invalid(env.Event, err)
		}
		return CallReject{CallID: id}, nil
	case EventCallEnd:
		id, err := decodeCallID(env.Data)
		if err != nil {
			return nil, invalid(env.Event, err)
		}
		return CallEnd{CallID: id}, nil
	case EventWebRTCOffer:
		return parseSignal(SignalOffer, env.Data)
	case EventWebRTCAnswer:
		return parseSignal(SignalAnswer, env.Data)
	case EventWebRTCICECandidate:
		return parseSignal(SignalICECandidate, env.Data)
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownEvent, env.Event)
	}
}

func parseSignal(kind SignalKind, data json.RawMessage) (Signal, error) {
	name := kind.EventName()

	// Only the routing key is read; the rest of the payload belongs to the
	// peers and is forwarded untouched.
	var d struct {
		CallID string `json:"callId"`
	}
	if err := json.Unmarshal(data, &d); err != nil {
		return Signal{}, invalid(name, err)
	}
	if err := requireID("callId", &d.CallID); err != nil {
		return Signal{}, invalid(name, err)
	}

	raw := make(json.RawMessage, len(data))
	copy(raw, data)
	return Signal{Kind: kind, CallID: d.CallID, Data: raw}, nil
}

func decodeCallID(data json.RawMessage) (string, error) {
	var v struct {
		CallID string `json:"callId"`
	}
	if err := decodeStrict(data, &v); err != nil {
		return "", err
	}
	if err := requireID("callId", &v.CallID); err != nil {
		return "", err
	}
	return v.CallID, nil
}

func requireID(field string, v *string) error {
	*v = strings.TrimSpace(*v)
	if *v == "" {
		return fmt.Errorf("missing %s", field)
	}
	return nil
}

func invalid(event string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrInvalidPayload, event, err)
}

func decodeStrict(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("unexpected trailing data")
	}
	return nil
}
