package contracts

import "encoding/json"

// Push channel names. Changes is the only channel today; the envelope
// format leaves room for more.
const (
	ChannelChanges = "changes"
)

// Envelope message tags exchanged over the push channel.
const (
	// Server -> client.
	MsgConnected      = "Connected"
	MsgSubscribed     = "Subscribed"
	MsgUnsubscribed   = "Unsubscribed"
	MsgChangesUpdated = "ChangesUpdated"
	MsgChangeStatus   = "ChangeStatus"
	MsgPong           = "Pong"
	MsgError          = "Error"

	// Client -> server.
	MsgPing        = "Ping"
	MsgSubscribe   = "Subscribe"
	MsgUnsubscribe = "Unsubscribe"
)

// Envelope is the tagged message frame for the push channel.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope builds an envelope, marshaling data into the frame.
// A nil data leaves the payload empty.
func NewEnvelope(msgType string, data any) (Envelope, error) {
	env := Envelope{Type: msgType}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return env, err
		}
		env.Data = raw
	}
	return env, nil
}

// ChangeStatusEvent is the payload of a ChangeStatus frame.
type ChangeStatusEvent struct {
	ChangeID int64        `json:"change_id"`
	Status   ChangeStatus `json:"status"`
	Reason   string       `json:"reason,omitempty"`
}

// ChangesUpdatedEvent is the payload of a ChangesUpdated frame. It
// carries the current pending queue so dashboards can render without a
// follow-up query.
type ChangesUpdatedEvent struct {
	Changes []*Change `json:"changes"`
}

// SubscribeRequest is the payload of client Subscribe/Unsubscribe frames.
type SubscribeRequest struct {
	Channel string `json:"channel"`
}
