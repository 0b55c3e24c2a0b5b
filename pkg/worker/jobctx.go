package worker

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type logRecorderKey struct{}

// logRecorder collects lines emitted by a handler during one execution so
// they travel with the job's result.
type logRecorder struct {
	mu    sync.Mutex
	lines []string
}

func (r *logRecorder) append(line string) {
	r.mu.Lock()
	r.lines = append(r.lines, time.Now().UTC().Format(time.RFC3339)+" "+line)
	r.mu.Unlock()
}

func (r *logRecorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.lines))
	copy(out, r.lines)
	return out
}

func withLogRecorder(ctx context.Context, r *logRecorder) context.Context {
	return context.WithValue(ctx, logRecorderKey{}, r)
}

// RecordLog appends a line to the executing job's result logs. Outside a
// handler invocation it is a no-op.
func RecordLog(ctx context.Context, format string, args ...any) {
	r, ok := ctx.Value(logRecorderKey{}).(*logRecorder)
	if !ok {
		return
	}
	r.append(fmt.Sprintf(format, args...))
}
