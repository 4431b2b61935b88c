package recovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/quorumgrid/keel/internal/clock"
)

// rawAccessor keeps state as opaque JSON per key.
type rawAccessor struct {
	mu     sync.Mutex
	states map[string]json.RawMessage
}

func newRawAccessor() *rawAccessor {
	return &rawAccessor{states: make(map[string]json.RawMessage)}
}

func (a *rawAccessor) Snapshot(ctx context.Context, key string) (any, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	raw, ok := a.states[key]
	if !ok {
		return nil, ErrNoState
	}
	return raw, nil
}

func (a *rawAccessor) Restore(ctx context.Context, key string, data []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.states[key] = append(json.RawMessage(nil), data...)
	return nil
}

func (a *rawAccessor) set(key, doc string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.states[key] = json.RawMessage(doc)
}

func (a *rawAccessor) get(key string) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return string(a.states[key])
}

func TestCheckpointHistoryBoundedFIFO(t *testing.T) {
	t.Parallel()

	m := New(Config{MaxCheckpoints: 3})
	ctx := context.Background()

	var ids []string
	for _, v := range []string{"v1", "v2", "v3", "v4"} {
		cp, err := m.CreateCheckpoint(ctx, "k", map[string]string{"version": v})
		if err != nil {
			t.Fatalf("create %s: %v", v, err)
		}
		ids = append(ids, cp.ID)
	}

	h := m.CheckpointHistory("k")
	if len(h) != 3 {
		t.Fatalf("history length = %d, want 3", len(h))
	}
	if h[0].ID == ids[0] {
		t.Fatal("oldest entry should have been evicted")
	}
	if h[2].ID != ids[3] {
		t.Fatal("newest entry should be the last created")
	}

	data, err := m.RecoverState(ctx, "k")
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	var got map[string]string
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got["version"] != "v4" {
		t.Fatalf("recovered version = %q, want v4", got["version"])
	}
}

func TestRecoverStateByID(t *testing.T) {
	t.Parallel()

	m := New(Config{})
	ctx := context.Background()
	cp1, _ := m.CreateCheckpoint(ctx, "k", 1)
	_, _ = m.CreateCheckpoint(ctx, "k", 2)

	data, err := m.RecoverState(ctx, "k", WithCheckpointID(cp1.ID))
	if err != nil {
		t.Fatalf("recover by id: %v", err)
	}
	if string(data) != "1" {
		t.Fatalf("data = %s, want 1", data)
	}
	if _, err := m.RecoverState(ctx, "k", WithCheckpointID("missing")); !errors.Is(err, ErrNoCheckpoint) {
		t.Fatalf("expected ErrNoCheckpoint, got %v", err)
	}
}

func TestRecoverStateEmptyHistory(t *testing.T) {
	t.Parallel()

	m := New(Config{})
	if _, err := m.RecoverState(context.Background(), "absent"); !errors.Is(err, ErrNoCheckpoint) {
		t.Fatalf("expected ErrNoCheckpoint, got %v", err)
	}
}

func TestRecoverStateValidator(t *testing.T) {
	t.Parallel()

	m := New(Config{
		StateValidator: func(data []byte) bool {
			var doc map[string]any
			return json.Unmarshal(data, &doc) == nil && doc["ok"] == true
		},
	})
	ctx := context.Background()
	_, _ = m.CreateCheckpoint(ctx, "k", map[string]any{"ok": false})
	if _, err := m.RecoverState(ctx, "k"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}

	_, _ = m.CreateCheckpoint(ctx, "k", map[string]any{"ok": true})
	if _, err := m.RecoverState(ctx, "k"); err != nil {
		t.Fatalf("valid state should recover, got %v", err)
	}
}

func TestRecoverStateSkipCorrupted(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	corrupt := func(m *Manager, key string, idx int) {
		m.mu.Lock()
		m.history[key][idx].Data[0] ^= 0xff
		m.mu.Unlock()
	}

	strict := New(Config{})
	_, _ = strict.CreateCheckpoint(ctx, "k", "good")
	_, _ = strict.CreateCheckpoint(ctx, "k", "bad")
	corrupt(strict, "k", 1)
	if _, err := strict.RecoverState(ctx, "k"); !errors.Is(err, ErrCorruptCheckpoint) {
		t.Fatalf("expected ErrCorruptCheckpoint, got %v", err)
	}

	lenient := New(Config{SkipCorrupted: true})
	_, _ = lenient.CreateCheckpoint(ctx, "k", "good")
	_, _ = lenient.CreateCheckpoint(ctx, "k", "bad")
	corrupt(lenient, "k", 1)
	data, err := lenient.RecoverState(ctx, "k")
	if err != nil {
		t.Fatalf("skip-corrupted recovery: %v", err)
	}
	if string(data) != `"good"` {
		t.Fatalf("data = %s, want \"good\"", data)
	}

	corrupt(lenient, "k", 0)
	if _, err := lenient.RecoverState(ctx, "k"); !errors.Is(err, ErrNoCheckpoint) {
		t.Fatalf("all-corrupted should report no checkpoint, got %v", err)
	}
}

func TestCheckpointRetention(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(time.Unix(1000, 0))
	m := New(Config{CheckpointRetention: time.Hour}, WithClock(clk))
	ctx := context.Background()

	_, _ = m.CreateCheckpoint(ctx, "k", "old")
	clk.Advance(2 * time.Hour)
	if _, err := m.RecoverState(ctx, "k"); !errors.Is(err, ErrNoCheckpoint) {
		t.Fatalf("expired history should report no checkpoint, got %v", err)
	}

	_, _ = m.CreateCheckpoint(ctx, "k", "fresh")
	if removed := m.CleanupOldCheckpoints(clk.Now()); removed != 1 {
		t.Fatalf("cleanup removed %d, want 1", removed)
	}
	if got := len(m.CheckpointHistory("k")); got != 1 {
		t.Fatalf("history length after cleanup = %d, want 1", got)
	}
}

func TestExecuteWithRollbackRestoresOnFailure(t *testing.T) {
	t.Parallel()

	acc := newRawAccessor()
	acc.set("doc", `{"title":"before","tags":["a","b"]}`)
	m := New(Config{}, WithStateAccessor(acc))

	boom := errors.New("mid-operation failure")
	err := m.ExecuteWithRollback(context.Background(), "doc", func(ctx context.Context) error {
		acc.set("doc", `{"title":"halfway"}`)
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected original error, got %v", err)
	}
	if got := acc.get("doc"); got != `{"title":"before","tags":["a","b"]}` {
		t.Fatalf("state not restored bit-for-bit: %s", got)
	}
	if got := len(m.CheckpointHistory("doc")); got != 0 {
		t.Fatalf("failed transaction must not add history, got %d entries", got)
	}
}

func TestExecuteWithRollbackCommitsOneEntry(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(time.Unix(0, 0))
	acc := newRawAccessor()
	acc.set("doc", `"v0"`)
	m := New(Config{CheckpointInterval: time.Minute}, WithStateAccessor(acc), WithClock(clk))
	ctx := context.Background()

	// Rapid successful transactions coalesce into one durable entry.
	for i := 1; i <= 3; i++ {
		doc := fmt.Sprintf("%q", fmt.Sprintf("v%d", i))
		if err := m.ExecuteWithRollback(ctx, "doc", func(ctx context.Context) error {
			acc.set("doc", doc)
			return nil
		}); err != nil {
			t.Fatalf("txn %d: %v", i, err)
		}
	}
	if got := len(m.CheckpointHistory("doc")); got != 1 {
		t.Fatalf("history length = %d, want 1", got)
	}
	data, err := m.RecoverState(ctx, "doc")
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if string(data) != `"v3"` {
		t.Fatalf("durable entry = %s, want \"v3\"", data)
	}

	// Past the interval a new durable entry is appended.
	clk.Advance(2 * time.Minute)
	if err := m.ExecuteWithRollback(ctx, "doc", func(ctx context.Context) error {
		acc.set("doc", `"v4"`)
		return nil
	}); err != nil {
		t.Fatalf("txn past interval: %v", err)
	}
	if got := len(m.CheckpointHistory("doc")); got != 2 {
		t.Fatalf("history length = %d, want 2", got)
	}
}

func TestExecuteWithRollbackNested(t *testing.T) {
	t.Parallel()

	acc := newRawAccessor()
	acc.set("doc", `"base"`)
	m := New(Config{}, WithStateAccessor(acc))
	ctx := context.Background()

	inner := errors.New("inner failure")
	err := m.ExecuteWithRollback(ctx, "doc", func(ctx context.Context) error {
		acc.set("doc", `"outer-progress"`)
		if err := m.ExecuteWithRollback(ctx, "doc", func(ctx context.Context) error {
			acc.set("doc", `"inner-progress"`)
			return inner
		}); !errors.Is(err, inner) {
			t.Fatalf("inner error: %v", err)
		}
		// Inner rollback restores to the inner start point only.
		if got := acc.get("doc"); got != `"outer-progress"` {
			t.Fatalf("after inner rollback: %s", got)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("outer: %v", err)
	}
	if got := len(m.CheckpointHistory("doc")); got != 1 {
		t.Fatalf("only the outermost commit adds history, got %d entries", got)
	}

	// An inner success must not outlive an outer rollback.
	outer := errors.New("outer failure")
	err = m.ExecuteWithRollback(ctx, "doc", func(ctx context.Context) error {
		if err := m.ExecuteWithRollback(ctx, "doc", func(ctx context.Context) error {
			acc.set("doc", `"inner-committed"`)
			return nil
		}); err != nil {
			return err
		}
		return outer
	})
	if !errors.Is(err, outer) {
		t.Fatalf("expected outer error, got %v", err)
	}
	if got := acc.get("doc"); got != `"outer-progress"` {
		t.Fatalf("outer rollback should undo inner commit, state = %s", got)
	}
}

func TestExecuteWithRollbackAutoRecover(t *testing.T) {
	t.Parallel()

	acc := newRawAccessor()
	m := New(Config{AutoRecover: true}, WithStateAccessor(acc))
	ctx := context.Background()
	_, _ = m.CreateCheckpoint(ctx, "doc", map[string]string{"seed": "yes"})

	var seen string
	if err := m.ExecuteWithRollback(ctx, "doc", func(ctx context.Context) error {
		seen = acc.get("doc")
		return nil
	}); err != nil {
		t.Fatalf("auto-recover txn: %v", err)
	}
	var doc map[string]string
	if err := json.Unmarshal([]byte(seen), &doc); err != nil || doc["seed"] != "yes" {
		t.Fatalf("state not seeded from checkpoint: %q (%v)", seen, err)
	}
}

func TestValidateAndDeleteCheckpoint(t *testing.T) {
	t.Parallel()

	m := New(Config{})
	ctx := context.Background()
	if m.ValidateCheckpoint("k") {
		t.Fatal("empty history must not validate")
	}
	cp, _ := m.CreateCheckpoint(ctx, "k", "payload")
	if !m.ValidateCheckpoint("k") {
		t.Fatal("fresh checkpoint should validate")
	}

	m.mu.Lock()
	m.history["k"][0].Data[0] ^= 0xff
	m.mu.Unlock()
	if m.ValidateCheckpoint("k") {
		t.Fatal("corrupted checkpoint must not validate")
	}

	if err := m.DeleteCheckpoint("k", cp.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := m.DeleteCheckpoint("k", cp.ID); !errors.Is(err, ErrNoCheckpoint) {
		t.Fatalf("double delete should report no checkpoint, got %v", err)
	}
}

func TestIncompleteOperationsSurviveUntilRetry(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(time.Unix(0, 0))
	m := New(Config{}, WithClock(clk))
	ctx := context.Background()

	if err := m.StartOperation(ctx, "op-1", "save"); err != nil {
		t.Fatalf("start: %v", err)
	}
	clk.Advance(time.Second)
	if err := m.StartOperation(ctx, "op-2", "index"); err != nil {
		t.Fatalf("start: %v", err)
	}

	recs := m.IncompleteOperations()
	if len(recs) != 2 || recs[0].ID != "op-1" || recs[1].ID != "op-2" {
		t.Fatalf("unexpected records: %+v", recs)
	}

	// A failed retry keeps the record visible.
	boom := errors.New("still failing")
	if err := m.RetryIncompleteOperation(ctx, "op-1", func(context.Context) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("retry error: %v", err)
	}
	if len(m.IncompleteOperations()) != 2 {
		t.Fatal("failed retry must not clear the record")
	}

	if err := m.RetryIncompleteOperation(ctx, "op-1", func(context.Context) error { return nil }); err != nil {
		t.Fatalf("retry: %v", err)
	}
	recs = m.IncompleteOperations()
	if len(recs) != 1 || recs[0].ID != "op-2" {
		t.Fatalf("expected only op-2 to remain: %+v", recs)
	}

	if err := m.RetryIncompleteOperation(ctx, "ghost", func(context.Context) error { return nil }); err == nil {
		t.Fatal("unknown id should fail")
	}
}

func TestExecuteWithRollbackFreshKey(t *testing.T) {
	t.Parallel()

	acc := newRawAccessor()
	m := New(Config{}, WithStateAccessor(acc))
	ctx := context.Background()

	// Guarded creation: no prior state, AutoRecover off.
	if err := m.ExecuteWithRollback(ctx, "doc", func(ctx context.Context) error {
		acc.set("doc", `{"title":"first"}`)
		return nil
	}); err != nil {
		t.Fatalf("create under rollback: %v", err)
	}
	if got := acc.get("doc"); got != `{"title":"first"}` {
		t.Fatalf("created state = %s", got)
	}
	if got := len(m.CheckpointHistory("doc")); got != 1 {
		t.Fatalf("history length = %d, want 1", got)
	}

	// A failed creation rolls back to the nil pre-state.
	boom := errors.New("create failed")
	err := m.ExecuteWithRollback(ctx, "other", func(ctx context.Context) error {
		acc.set("other", `{"title":"partial"}`)
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected original error, got %v", err)
	}
	if got := acc.get("other"); got != "null" {
		t.Fatalf("fresh key not rolled back to nil state: %s", got)
	}
	if got := len(m.CheckpointHistory("other")); got != 0 {
		t.Fatalf("failed creation must not add history, got %d entries", got)
	}
}

func TestCheckpointAccessorsDetachData(t *testing.T) {
	t.Parallel()

	m := New(Config{})
	ctx := context.Background()
	if _, err := m.CreateCheckpoint(ctx, "k", map[string]string{"version": "v1"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	h := m.CheckpointHistory("k")
	for i := range h[0].Data {
		h[0].Data[i] = 'x'
	}
	cp, err := m.GetCheckpoint(ctx, "k")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	for i := range cp.Data {
		cp.Data[i] = 'y'
	}

	if !m.ValidateCheckpoint("k") {
		t.Fatal("stored checkpoint corrupted through a returned copy")
	}
	data, err := m.RecoverState(ctx, "k")
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if string(data) != `{"version":"v1"}` {
		t.Fatalf("recovered data = %s", data)
	}
}
