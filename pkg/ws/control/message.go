package control

import (
	"encoding/json"

	"github.com/LLIEPJIOK/service-mesh/wsgate/pkg/ws"
)

// Message is one line of the control protocol. Requests carry an ID and a
// Route; responses echo the ID; notifications carry a Route and no ID.
type Message struct {
	ID      uint64          `json:"id,omitempty"`
	Route   string          `json:"route,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
	Fault   string          `json:"fault,omitempty"`
}

func NewRequest(id uint64, route string, payload any) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	return &Message{
		ID:      id,
		Route:   route,
		Payload: data,
	}, nil
}

// NewResponse answers requestID. A nil payload produces an empty response.
func NewResponse(requestID uint64, payload any) (*Message, error) {
	msg := &Message{ID: requestID}
	if payload == nil {
		return msg, nil
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	msg.Payload = data

	return msg, nil
}

func NewErrorResponse(requestID uint64, err error) *Message {
	return &Message{
		ID:    requestID,
		Error: err.Error(),
		Fault: ws.FaultName(err),
	}
}

func NewNotification(n ws.Notification) (*Message, error) {
	data, err := json.Marshal(n)
	if err != nil {
		return nil, err
	}

	return &Message{
		Route:   string(n.Event),
		Payload: data,
	}, nil
}

func (m *Message) UnmarshalPayload(v any) error {
	return json.Unmarshal(m.Payload, v)
}
