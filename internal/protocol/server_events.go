package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ServerEvent is implemented by every server -> client event.
type ServerEvent interface {
	EventName() string
	serverEvent()
}

type AgentJoined struct {
	Success bool `json:"success"`
}

type CustomerJoined struct {
	Success bool `json:"success"`
}

type CustomerInfo struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

type CallIncoming struct {
	CallID   string       `json:"callId"`
	Customer CustomerInfo `json:"customer"`
}

type CallInitiated struct {
	CallID string `json:"callId"`
}

type CallAccepted struct {
	CallID string `json:"callId"`
}

type CallRejected struct {
	CallID string `json:"callId"`
}

type CallEnded struct {
	CallID string `json:"callId"`
}

type Error struct {
	Message string `json:"message"`
}

// RelayedSignal carries a webrtc:* data object from one party to the other.
// Data is emitted byte-for-byte.
type RelayedSignal struct {
	Kind SignalKind
	Data json.RawMessage
}

func (AgentJoined) EventName() string    { return EventAgentJoined }
func (CustomerJoined) EventName() string { return EventCustomerJoined }
func (CallIncoming) EventName() string   { return EventCallIncoming }
func (CallInitiated) EventName() string  { return EventCallInitiated }
func (CallAccepted) EventName() string   { return EventCallAccepted }
func (CallRejected) EventName() string   { return EventCallRejected }
func (CallEnded) EventName() string      { return EventCallEnded }
func (Error) EventName() string          { return EventError }
func (r RelayedSignal) EventName() string {
	return r.Kind.EventName()
}

func (AgentJoined) serverEvent()    {}
func (CustomerJoined) serverEvent() {}
func (CallIncoming) serverEvent()   {}
func (CallInitiated) serverEvent()  {}
func (CallAccepted) serverEvent()   {}
func (CallRejected) serverEvent()   {}
func (CallEnded) serverEvent()      {}
func (Error) serverEvent()          {}
func (RelayedSignal) serverEvent()  {}

// EncodeServerEvent renders ev as a wire frame. Relayed signal data is
// spliced into the frame byte-for-byte.
func EncodeServerEvent(ev ServerEvent) ([]byte, error) {
	if v, ok := ev.(RelayedSignal); ok {
		if !json.Valid(v.Data) {
			return nil, fmt.Errorf("%w: relayed %s data is not valid JSON", ErrInvalidPayload, v.Kind)
		}
		name, err := json.Marshal(v.EventName())
		if err != nil {
			return nil, err
		}
		var buf bytes.Buffer
		buf.Grow(len(name) + len(v.Data) + 20)
		buf.WriteString(`{"event":`)
		buf.Write(name)
		buf.WriteString(`,"data":`)
		buf.Write(v.Data)
		buf.WriteByte('}')
		return buf.Bytes(), nil
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", ev.EventName(), err)
	}
	return json.Marshal(envelope{Event: ev.EventName(), Data: data})
}
