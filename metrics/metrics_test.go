package metrics_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/quorumgrid/keel/consistency"
	"github.com/quorumgrid/keel/faults"
	"github.com/quorumgrid/keel/metrics"
	"github.com/quorumgrid/keel/recovery"
)

func TestCollectorScrapesComponentStats(t *testing.T) {
	t.Parallel()

	handler := faults.NewHandler(faults.Config{MaxRetries: 0, RetryDelay: time.Millisecond})
	_ = handler.Handle(context.Background(), faults.Meta{Type: "save"}, func(context.Context) error {
		return errors.New("boom")
	})
	_ = handler.Handle(context.Background(), faults.Meta{Type: "save"}, func(context.Context) error {
		return errors.New("boom again")
	})

	checker := consistency.New(consistency.Config{AutoRepair: true})
	state := &consistency.State{Collections: map[string]*consistency.Collection{
		"c": {Vectors: []consistency.Vector{{ID: "a"}}, CachedCount: 7},
	}}
	checker.CheckStateConsistency(state)

	manager := recovery.New(recovery.Config{})
	if err := manager.StartOperation(context.Background(), "op-1", "save"); err != nil {
		t.Fatalf("start operation: %v", err)
	}

	collector := metrics.NewCollector(handler, checker, manager)

	expected := `
# HELP keel_consistency_repairs_total Repairs applied by auto-repair.
# TYPE keel_consistency_repairs_total counter
keel_consistency_repairs_total 1
# HELP keel_errors_total Terminal failures recorded by the error handler, by operation type.
# TYPE keel_errors_total counter
keel_errors_total{type="save"} 2
# HELP keel_incomplete_operations Operations recorded as in-flight and not yet completed.
# TYPE keel_incomplete_operations gauge
keel_incomplete_operations 1
`
	err := testutil.CollectAndCompare(collector, strings.NewReader(expected),
		"keel_errors_total", "keel_consistency_repairs_total", "keel_incomplete_operations")
	if err != nil {
		t.Fatalf("unexpected metrics: %v", err)
	}
}

func TestCollectorToleratesNilComponents(t *testing.T) {
	t.Parallel()

	collector := metrics.NewCollector(nil, nil, nil)
	if n := testutil.CollectAndCount(collector); n != 0 {
		t.Fatalf("expected no metrics, got %d", n)
	}
}
