package metrics

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestCountersAppearInExposition(t *testing.T) {
	e := New()
	e.Fetches.Inc()
	e.Updates.Add(3)
	e.Conflicts.Inc()
	e.ObserveFetch(time.Now().Add(-time.Millisecond))

	var buf bytes.Buffer
	e.WritePrometheus(&buf)
	out := buf.String()

	for _, want := range []string{
		"vostore_fetch_total 1",
		"vostore_update_total 3",
		"vostore_conflict_total 1",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}

func TestEngineSetsAreIsolated(t *testing.T) {
	a := New()
	b := New()
	a.Fetches.Inc()

	if got := b.Fetches.Get(); got != 0 {
		t.Errorf("second engine saw %d fetches, want 0", got)
	}
}
