package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/sirupsen/logrus"
)

type fakeSource struct {
	stats []SessionStats
}

func (f *fakeSource) Snapshot() []SessionStats { return f.stats }

func gaugeValue(t *testing.T, m *Metrics, name string) float64 {
	t.Helper()
	ch := make(chan prometheus.Metric, 16)
	m.Collect(ch)
	close(ch)
	for metric := range ch {
		var dtoMetric dto.Metric
		if err := metric.Write(&dtoMetric); err != nil {
			t.Fatalf("write metric: %v", err)
		}
		desc := metric.Desc().String()
		if containsName(desc, name) {
			return dtoMetric.GetGauge().GetValue()
		}
	}
	t.Fatalf("metric %s not found", name)
	return 0
}

func containsName(desc, name string) bool {
	return len(desc) > 0 && (desc == name || stringContains(desc, name))
}

func stringContains(haystack, needle string) bool {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}

// TestGaugesNeverNegative covers spec invariant 7: gauges never go
// negative. Collect is purely additive over each source's snapshot, so when
// the only source's snapshot empties (as a closed Coordinator's does),
// tabs_open drops back to 0 and sessions_active does not go below zero.
func TestGaugesNeverNegative(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg, logrus.NewEntry(logrus.New()))

	src := &fakeSource{stats: []SessionStats{{WSConnections: 2, TabsOpen: 3}}}
	m.RegisterSource(src)

	if got := gaugeValue(t, m, "browserless_tabs_open"); got != 3 {
		t.Fatalf("expected tabs_open=3, got %v", got)
	}

	src.stats = nil
	if got := gaugeValue(t, m, "browserless_tabs_open"); got != 0 {
		t.Fatalf("expected tabs_open=0 after clearing source, got %v", got)
	}
	if got := gaugeValue(t, m, "browserless_replay_sessions_active"); got < 0 {
		t.Fatalf("sessions_active must never be negative, got %v", got)
	}
}

func TestSessionsActiveSumsAcrossSources(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg, logrus.NewEntry(logrus.New()))

	m.RegisterSource(&fakeSource{stats: []SessionStats{{}, {}}})
	m.RegisterSource(&fakeSource{stats: []SessionStats{{}}})

	if got := gaugeValue(t, m, "browserless_replay_sessions_active"); got != 3 {
		t.Fatalf("expected sessions_active=3, got %v", got)
	}
}
