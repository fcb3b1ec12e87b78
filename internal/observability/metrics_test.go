package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetrics_RegistersWithoutPanic(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	if m.Invocations == nil {
		t.Error("Invocations is nil")
	}
	if m.InvocationDuration == nil {
		t.Error("InvocationDuration is nil")
	}
	if m.Compilations == nil {
		t.Error("Compilations is nil")
	}
	if m.CompileDuration == nil {
		t.Error("CompileDuration is nil")
	}
	if m.CacheLookups == nil {
		t.Error("CacheLookups is nil")
	}
	if m.CacheEntries == nil {
		t.Error("CacheEntries is nil")
	}
	if m.AppletsExpired == nil {
		t.Error("AppletsExpired is nil")
	}
	if m.LogMessages == nil {
		t.Error("LogMessages is nil")
	}
}

func TestMetrics_Gather(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.Invocations.WithLabelValues("ok").Inc()
	m.InvocationDuration.WithLabelValues("ok").Observe(0.01)
	m.Compilations.WithLabelValues("ok").Inc()
	m.CompileDuration.Observe(0.2)
	m.CacheLookups.WithLabelValues("hit").Inc()
	m.CacheEntries.Set(1)
	m.AppletsExpired.Inc()
	m.LogMessages.WithLabelValues(LogEmitted).Inc()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather failed: %v", err)
	}

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}

	expected := []string{
		"substrate_invocations_total",
		"substrate_invocation_duration_seconds",
		"substrate_compilations_total",
		"substrate_compile_duration_seconds",
		"substrate_cache_lookups_total",
		"substrate_cache_entries",
		"substrate_applets_expired_total",
		"substrate_log_messages_total",
	}
	for _, name := range expected {
		if !names[name] {
			t.Errorf("expected metric %s not found", name)
		}
	}
}

func TestRegisterAppletGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	n := 3
	g := RegisterAppletGauge(reg, func() int { return n })

	if got := testutil.ToFloat64(g); got != 3 {
		t.Errorf("expected 3, got %v", got)
	}
	n = 5
	if got := testutil.ToFloat64(g); got != 5 {
		t.Errorf("expected 5, got %v", got)
	}
}
