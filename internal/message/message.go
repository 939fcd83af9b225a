package message

import "time"

const (
	TypeLog       = "log"
	TypeSubscribe = "subscribe"
)

// LogMessage is the websocket envelope for one audit log entry.
type LogMessage struct {
	Type       string    `json:"type"`
	Event      string    `json:"event"`
	DeliveryID string    `json:"delivery_id"`
	Time       time.Time `json:"time"`
	Line       string    `json:"line"`
}

// SubscribeMessage narrows a stream to the given event types. An empty list
// subscribes to everything.
type SubscribeMessage struct {
	Type   string   `json:"type"`
	Events []string `json:"events"`
}
