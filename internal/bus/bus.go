// Package bus provides the coordination pub/sub channel with two
// interchangeable backends: a file-based ring log (default) and a remote
// Redis pub/sub. Both expose identical semantics: per-channel FIFO and
// at-least-once delivery. Neither backend drops duplicates; consumers
// filter them by envelope id with a Deduper.
package bus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// MessageType enumerates coordinator protocol messages.
type MessageType string

const (
	TypeRegister      MessageType = "REGISTER"
	TypeCheckin       MessageType = "CHECKIN"
	TypeState         MessageType = "STATE"
	TypeInsight       MessageType = "INSIGHT"
	TypeRequest       MessageType = "REQUEST"
	TypeResponse      MessageType = "RESPONSE"
	TypeStreamStart   MessageType = "STREAM_START"
	TypeStreamChunk   MessageType = "STREAM_CHUNK"
	TypeStreamEnd     MessageType = "STREAM_END"
	TypeStreamError   MessageType = "STREAM_ERROR"
	TypeCourseCorrect MessageType = "COURSE_CORRECT"
	TypePhaseEnter    MessageType = "PHASE_ENTER"
	TypePhaseExit     MessageType = "PHASE_EXIT"
	TypeSyncBarrier   MessageType = "SYNC_BARRIER"
	TypeSyncOK        MessageType = "SYNC_OK"
)

// Well-known channels.
const (
	ChannelCoordinator = "coordinator"
	ChannelInsights    = "insights"
	ChannelBroadcast   = "broadcast"
	ChannelHeartbeat   = "heartbeat"
)

// Envelope is the wire record for every bus message.
type Envelope struct {
	ID        string          `json:"id"`
	Type      MessageType     `json:"type"`
	FromAgent string          `json:"from_agent,omitempty"`
	ToAgent   string          `json:"to_agent,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewEnvelope stamps id and timestamp around a payload.
func NewEnvelope(t MessageType, from, to string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		ID:        uuid.NewString()[:8],
		Type:      t,
		FromAgent: from,
		ToAgent:   to,
		Payload:   raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Delivery is one received message with its channel.
type Delivery struct {
	Channel  string
	Envelope Envelope
}

// Bus is the backend-neutral surface. Subscribe returns a receive
// channel that closes when the context is cancelled or the bus closes.
type Bus interface {
	Publish(ctx context.Context, channel string, env Envelope) error
	Subscribe(ctx context.Context, channels []string) (<-chan Delivery, error)
	Close() error
}

// Deduper filters duplicate envelopes by id, keeping a bounded window.
// Subscribers must tolerate duplicates; this is the shared helper.
type Deduper struct {
	seen  map[string]struct{}
	order []string
	max   int
}

func NewDeduper(max int) *Deduper {
	if max <= 0 {
		max = 4096
	}
	return &Deduper{seen: map[string]struct{}{}, max: max}
}

// Seen records the id and reports whether it was already delivered.
func (d *Deduper) Seen(id string) bool {
	if _, ok := d.seen[id]; ok {
		return true
	}
	d.seen[id] = struct{}{}
	d.order = append(d.order, id)
	if len(d.order) > d.max {
		oldest := d.order[0]
		d.order = d.order[1:]
		delete(d.seen, oldest)
	}
	return false
}
