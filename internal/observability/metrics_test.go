package observability

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsRecordAndGather(t *testing.T) {
	m := NewMetrics()
	m.Messages.WithLabelValues("telegram", "inbound").Inc()
	m.Messages.WithLabelValues("telegram", "inbound").Inc()
	m.Messages.WithLabelValues("telegram", "outbound").Inc()
	m.TaskExecutions.WithLabelValues("success").Inc()

	if got := testutil.ToFloat64(m.Messages.WithLabelValues("telegram", "inbound")); got != 2 {
		t.Errorf("inbound counter = %v", got)
	}
	if got := testutil.ToFloat64(m.TaskExecutions.WithLabelValues("success")); got != 1 {
		t.Errorf("task counter = %v", got)
	}

	expected := strings.NewReader(`
# HELP pocketmind_task_executions_total Scheduled task runs by status
# TYPE pocketmind_task_executions_total counter
pocketmind_task_executions_total{status="success"} 1
`)
	if err := testutil.GatherAndCompare(m.Registry(), expected, "pocketmind_task_executions_total"); err != nil {
		t.Errorf("gather: %v", err)
	}
}

func TestIndependentRegistries(t *testing.T) {
	a := NewMetrics()
	b := NewMetrics()
	a.Messages.WithLabelValues("slack", "inbound").Inc()
	if got := testutil.ToFloat64(b.Messages.WithLabelValues("slack", "inbound")); got != 0 {
		t.Errorf("registries shared state: %v", got)
	}
}
