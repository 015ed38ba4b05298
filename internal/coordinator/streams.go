package coordinator

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/nextlevelbuilder/popkit/internal/bus"
)

const (
	driftCheckEvery = 10 // chunks between drift checks
	driftThreshold  = 2  // pivot phrases that trigger a nudge
)

// pivotMarkers signal an agent talking itself out of the current plan.
var pivotMarkers = []string{"however", "instead", "alternatively", "but actually"}

// StreamChunk is one received piece of streamed tool output.
type StreamChunk struct {
	Index      int       `json:"index"`
	Content    string    `json:"content"`
	IsFinal    bool      `json:"is_final,omitempty"`
	OutOfOrder bool      `json:"out_of_order,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// StreamSession tracks one agent's streamed tool invocation.
type StreamSession struct {
	SessionID   string        `json:"session_id"`
	AgentID     string        `json:"agent_id"`
	ToolName    string        `json:"tool_name,omitempty"`
	StartedAt   time.Time     `json:"started_at"`
	Chunks      []StreamChunk `json:"chunks"`
	IsComplete  bool          `json:"is_complete"`
	Error       string        `json:"error,omitempty"`
	CompletedAt time.Time     `json:"completed_at,omitempty"`

	maxIndex       int
	corrected      bool // one COURSE_CORRECT per stream, ever
	lastDriftCheck int
}

// Stream payloads.
type (
	StreamStartPayload struct {
		SessionID string `json:"session_id"`
		AgentID   string `json:"agent_id"`
		ToolName  string `json:"tool_name,omitempty"`
	}

	StreamChunkPayload struct {
		SessionID  string `json:"session_id"`
		ChunkIndex int    `json:"chunk_index"`
		Content    string `json:"content"`
		IsFinal    bool   `json:"is_final,omitempty"`
	}

	StreamEndPayload struct {
		SessionID string `json:"session_id"`
		Error     string `json:"error,omitempty"`
	}
)

func (c *Coordinator) handleStream(ctx context.Context, env bus.Envelope) {
	switch env.Type {
	case bus.TypeStreamStart:
		var p StreamStartPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil || p.SessionID == "" {
			return
		}
		c.mu.Lock()
		c.streams[p.SessionID] = &StreamSession{
			SessionID: p.SessionID,
			AgentID:   p.AgentID,
			ToolName:  p.ToolName,
			StartedAt: c.now().UTC(),
		}
		c.mu.Unlock()

	case bus.TypeStreamChunk:
		var p StreamChunkPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil || p.SessionID == "" {
			return
		}
		c.addChunk(ctx, p)

	case bus.TypeStreamEnd, bus.TypeStreamError:
		var p StreamEndPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil || p.SessionID == "" {
			return
		}
		c.mu.Lock()
		if st, ok := c.streams[p.SessionID]; ok && !st.IsComplete {
			st.IsComplete = true
			st.Error = p.Error
			st.CompletedAt = c.now().UTC()
		}
		c.mu.Unlock()
	}
}

func (c *Coordinator) addChunk(ctx context.Context, p StreamChunkPayload) {
	c.mu.Lock()
	st, ok := c.streams[p.SessionID]
	if !ok || st.IsComplete {
		c.mu.Unlock()
		if !ok {
			slog.Debug("chunk for unknown stream dropped", "session", p.SessionID)
		}
		return
	}

	chunk := StreamChunk{
		Index:     p.ChunkIndex,
		Content:   p.Content,
		IsFinal:   p.IsFinal,
		Timestamp: c.now().UTC(),
	}
	// Late chunks are accepted but flagged; TotalContent sorts by index.
	if p.ChunkIndex <= st.maxIndex && len(st.Chunks) > 0 {
		chunk.OutOfOrder = true
	} else {
		st.maxIndex = p.ChunkIndex
	}
	st.Chunks = append(st.Chunks, chunk)

	if p.IsFinal {
		st.IsComplete = true
		st.CompletedAt = c.now().UTC()
	}

	needDrift := len(st.Chunks)-st.lastDriftCheck >= driftCheckEvery && !st.corrected
	var agentID string
	var recent string
	if needDrift {
		st.lastDriftCheck = len(st.Chunks)
		agentID = st.AgentID
		var b strings.Builder
		for _, ch := range st.Chunks[len(st.Chunks)-driftCheckEvery:] {
			b.WriteString(ch.Content)
			b.WriteByte(' ')
		}
		recent = b.String()
	}
	c.mu.Unlock()

	if needDrift && countPivots(recent) >= driftThreshold {
		c.mu.Lock()
		st.corrected = true
		c.mu.Unlock()
		c.courseCorrect(ctx, agentID, p.SessionID)
	}
}

func countPivots(text string) int {
	lower := strings.ToLower(text)
	n := 0
	for _, marker := range pivotMarkers {
		n += strings.Count(lower, marker)
	}
	return n
}

func (c *Coordinator) courseCorrect(ctx context.Context, agentID, streamID string) {
	env, err := bus.NewEnvelope(bus.TypeCourseCorrect, "coordinator", agentID, map[string]any{
		"stream_id":  streamID,
		"reason":     "drift",
		"suggestion": "Output shows repeated direction changes. Commit to one approach and finish it before reconsidering.",
	})
	if err != nil {
		return
	}
	if err := c.deps.Bus.Publish(ctx, bus.ChannelBroadcast, env); err != nil {
		slog.Debug("course-correct publish failed", "error", err)
	}
	slog.Info("course correction sent", "agent", agentID, "stream", streamID)
}

// Stream returns a copy of one stream session.
func (c *Coordinator) Stream(sessionID string) (StreamSession, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.streams[sessionID]
	if !ok {
		return StreamSession{}, false
	}
	return *st, true
}

// TotalContent reconstructs the stream text in index order regardless of
// arrival order.
func (s StreamSession) TotalContent() string {
	chunks := make([]StreamChunk, len(s.Chunks))
	copy(chunks, s.Chunks)
	sort.SliceStable(chunks, func(i, j int) bool { return chunks[i].Index < chunks[j].Index })

	var b strings.Builder
	for _, ch := range chunks {
		b.WriteString(ch.Content)
	}
	return b.String()
}
