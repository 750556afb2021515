package metrics

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func newTestCollector(t *testing.T) (*Collector, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewCollectorWithRegistry("test", reg), reg
}

// find returns the metric family called name, or fails the test.
func find(t *testing.T, reg *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, f := range families {
		if f.GetName() == name {
			return f
		}
	}
	t.Fatalf("metric %s not found", name)
	return nil
}

func labelValue(m *dto.Metric, name string) string {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}

func TestCollectorGauges(t *testing.T) {
	c, reg := newTestCollector(t)

	c.SetLiveTasks(3)
	c.SessionOpened()
	c.SessionOpened()
	c.SessionClosed()

	if v := find(t, reg, "robo_tasks_live").GetMetric()[0].GetGauge().GetValue(); v != 3 {
		t.Errorf("robo_tasks_live = %v, want 3", v)
	}
	if v := find(t, reg, "robo_display_sessions_live").GetMetric()[0].GetGauge().GetValue(); v != 1 {
		t.Errorf("robo_display_sessions_live = %v, want 1", v)
	}
}

func TestCollectorCounters(t *testing.T) {
	c, reg := newTestCollector(t)

	c.ProcessStarted()
	c.ProcessStarted()
	c.ProcessExited("exited")
	c.ProcessExited("cancelled")
	c.ProcessExited("exited")
	c.Line("stdout")
	c.Render("edit")
	c.DisplayFailed()
	c.Invocation("robo shell", "ok")

	if v := find(t, reg, "robo_processes_started_total").GetMetric()[0].GetCounter().GetValue(); v != 2 {
		t.Errorf("processes started = %v, want 2", v)
	}

	exits := map[string]float64{}
	for _, m := range find(t, reg, "robo_process_exits_total").GetMetric() {
		exits[labelValue(m, "status")] = m.GetCounter().GetValue()
	}
	if exits["exited"] != 2 || exits["cancelled"] != 1 {
		t.Errorf("exits = %v", exits)
	}

	info := find(t, reg, "robo_info").GetMetric()[0]
	if labelValue(info, "version") != "test" {
		t.Errorf("info version = %q", labelValue(info, "version"))
	}
}

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector
	c.SetLiveTasks(1)
	c.SessionOpened()
	c.SessionClosed()
	c.ProcessStarted()
	c.ProcessExited("exited")
	c.Line("stderr")
	c.Render("final")
	c.DisplayFailed()
	c.Invocation("x", "error")
}

func TestServerEndpoints(t *testing.T) {
	c, reg := newTestCollector(t)
	c.ProcessStarted()

	srv := NewServerWithGatherer("127.0.0.1:0", reg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/healthz status = %d", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), "robo_processes_started_total 1") {
		t.Errorf("/metrics missing counter:\n%s", body)
	}
}
