package event

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// Observer receives every event the execution service dispatches, across all
// executions. Observers are for observability backends (logs, traces); they
// must not block and must not panic.
type Observer interface {
	Observe(executionID string, ev Event)
}

// LogObserver writes each event to a writer as structured log output.
//
// Two output modes:
//   - Text mode (default): human-readable key=value lines
//   - JSON mode: one JSON object per line (JSONL)
//
// Example text output:
//
//	[node.completed] executionID=EXabc... index=3 nodeID=set-1
type LogObserver struct {
	writer   io.Writer
	jsonMode bool
}

// NewLogObserver creates a LogObserver. A nil writer defaults to stdout.
func NewLogObserver(writer io.Writer, jsonMode bool) *LogObserver {
	if writer == nil {
		writer = os.Stdout
	}
	return &LogObserver{writer: writer, jsonMode: jsonMode}
}

// Observe implements Observer.
func (l *LogObserver) Observe(executionID string, ev Event) {
	if l.jsonMode {
		l.writeJSON(executionID, ev)
	} else {
		l.writeText(executionID, ev)
	}
}

func (l *LogObserver) writeJSON(executionID string, ev Event) {
	data, err := json.Marshal(struct {
		ExecutionID string         `json:"executionID"`
		Index       int64          `json:"index"`
		Type        Type           `json:"type"`
		Timestamp   string         `json:"timestamp"`
		Data        map[string]any `json:"data,omitempty"`
	}{
		ExecutionID: executionID,
		Index:       ev.Index,
		Type:        ev.Type,
		Timestamp:   ev.Timestamp.Format("2006-01-02T15:04:05.000Z07:00"),
		Data:        ev.Data,
	})
	if err != nil {
		fmt.Fprintf(l.writer, "{\"error\":\"failed to marshal event: %v\"}\n", err)
		return
	}
	fmt.Fprintf(l.writer, "%s\n", data)
}

func (l *LogObserver) writeText(executionID string, ev Event) {
	fmt.Fprintf(l.writer, "[%s] executionID=%s index=%d", ev.Type, executionID, ev.Index)

	if nodeID, ok := ev.Data["nodeId"].(string); ok && nodeID != "" {
		fmt.Fprintf(l.writer, " nodeID=%s", nodeID)
	}
	if msg, ok := ev.Data["message"].(string); ok && msg != "" {
		fmt.Fprintf(l.writer, " message=%q", msg)
	}

	fmt.Fprint(l.writer, "\n")
}
