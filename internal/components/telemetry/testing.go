package telemetry

import (
	"strings"
	"sync"
)

// Report is a single call recorded by TestAPI.
type Report struct {
	Kind   string
	Id     string
	Params []any
}

// TestAPI records every report so tests can assert on what was logged.
type TestAPI struct {
	mu      sync.Mutex
	reports []Report
}

func (t *TestAPI) record(kind, id string, params []any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reports = append(t.reports, Report{Kind: kind, Id: id, Params: params})
}

func (t *TestAPI) ReportBroken(id string, params ...any) {
	t.record("broken", id, params)
}

func (t *TestAPI) ReportWarning(id string, params ...any) {
	t.record("warning", id, params)
}

func (t *TestAPI) ReportDebug(msg string, params ...any) {
	t.record("debug", msg, params)
}

func (t *TestAPI) ReportCount(id string, count int64) {
	t.record("count", id, []any{count})
}

// Reports returns the recorded reports of the given kind whose id contains substr.
func (t *TestAPI) Reports(kind, substr string) []Report {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []Report
	for _, r := range t.reports {
		if r.Kind == kind && strings.Contains(r.Id, substr) {
			out = append(out, r)
		}
	}
	return out
}
