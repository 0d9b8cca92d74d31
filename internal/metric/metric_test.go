package metric

import (
	"errors"
	"testing"
)

func TestOpMetricCounts(t *testing.T) {
	m := NewOpMetric("test_op_metric_counts", "kind")

	op := m.Start("list")
	op.End()

	op = m.Start("list")
	op.EndWithError(errors.New("boom"))

	op = m.Start("list")
	op.EndWithError(nil)

	if got := m.Count("all", "list"); got != 3 {
		t.Errorf("all = %d, want 3", got)
	}
	if got := m.Count("failed", "list"); got != 1 {
		t.Errorf("failed = %d, want 1", got)
	}
	if got := m.Count("all", "blob"); got != 0 {
		t.Errorf("blob all = %d, want 0", got)
	}
}
