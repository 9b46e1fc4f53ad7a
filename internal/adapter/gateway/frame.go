package gateway

import (
	"time"

	"mirador/internal/domain"
)

// Client→server frame types.
const (
	ClientFrameSubscribe = "subscribe"
	ClientFramePing      = "ping"
)

// Server→client frame types.
const (
	ServerFrameEvent = "event"
	ServerFramePong  = "pong"
)

// ClientFrame is the envelope read from the browser client.
type ClientFrame struct {
	Type       string             `json:"type"`
	EventTypes []domain.EventType `json:"event_types,omitempty"` // subscribe only
}

// ServerFrame is the envelope written to the browser client. Heartbeats are
// event frames with EventType system.heartbeat and no sequence number; they
// are connection-local and never cross the bus.
type ServerFrame struct {
	Type          string         `json:"type"`
	EventType     domain.EventType `json:"event_type,omitempty"`
	Data          map[string]any `json:"data,omitempty"`
	Timestamp     *time.Time     `json:"timestamp,omitempty"`
	Sequence      int64          `json:"sequence_number,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Source        domain.Source  `json:"source,omitempty"`
}

// eventFrame converts a bus event to its wire form.
func eventFrame(ev domain.Event) ServerFrame {
	ts := ev.Timestamp
	return ServerFrame{
		Type:          ServerFrameEvent,
		EventType:     ev.Type,
		Data:          ev.Data,
		Timestamp:     &ts,
		Sequence:      ev.Sequence,
		CorrelationID: ev.CorrelationID,
		Source:        ev.Source,
	}
}

// heartbeatFrame builds the periodic liveness frame.
func heartbeatFrame(now time.Time) ServerFrame {
	return ServerFrame{
		Type:      ServerFrameEvent,
		EventType: domain.EventSystemHeartbeat,
		Timestamp: &now,
	}
}

// pongFrame answers a client ping.
func pongFrame() ServerFrame {
	return ServerFrame{Type: ServerFramePong}
}
