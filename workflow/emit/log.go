package emit

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sort"
)

// LogEmitter writes events as structured log records.
//
// Two encodings are available through the underlying slog handler:
//
//	time=... level=INFO msg=step_end execution_id=9f1c workflow_id=OUTFIT_RECOMMEND step=1 step_id=s1 latency_ms=812
//	{"time":"...","level":"INFO","msg":"step_end","execution_id":"9f1c",...}
//
// Events carrying Meta["error"] are logged at ERROR level, everything else at
// INFO.
type LogEmitter struct {
	logger *slog.Logger
}

// NewLogEmitter returns a LogEmitter writing to w (os.Stdout when nil), in
// JSON lines when jsonMode is true and logfmt-style text otherwise.
func NewLogEmitter(w io.Writer, jsonMode bool) *LogEmitter {
	if w == nil {
		w = os.Stdout
	}
	var h slog.Handler
	if jsonMode {
		h = slog.NewJSONHandler(w, nil)
	} else {
		h = slog.NewTextHandler(w, nil)
	}
	return &LogEmitter{logger: slog.New(h)}
}

// NewSlogEmitter returns a LogEmitter that reuses an existing logger.
func NewSlogEmitter(logger *slog.Logger) *LogEmitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogEmitter{logger: logger}
}

// Emit logs the event.
func (l *LogEmitter) Emit(event Event) {
	level := slog.LevelInfo
	if event.Failed() {
		level = slog.LevelError
	}

	attrs := []slog.Attr{
		slog.String("execution_id", event.ExecutionID),
		slog.String("workflow_id", event.WorkflowID),
	}
	if event.StepID != "" {
		attrs = append(attrs, slog.Int("step", event.Step), slog.String("step_id", event.StepID))
	}

	// Sorted so text output is stable across runs.
	keys := make([]string, 0, len(event.Meta))
	for k := range event.Meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		attrs = append(attrs, slog.Any(k, event.Meta[k]))
	}

	l.logger.LogAttrs(context.Background(), level, event.Msg, attrs...)
}
