package recovery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/quorumgrid/keel/storage"
)

// journalPrefix namespaces incomplete-operation records in the
// journal backend's keyspace.
const journalPrefix = "incomplete/"

// OperationRecord marks an operation as in-flight. Records are removed
// only by explicit retry or completion, never by normal function
// return, so a session started after a crash can enumerate and resume
// exactly the interrupted work.
type OperationRecord struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	StartedAt time.Time `json:"startedAt"`
}

// NewOperationID returns a fresh operation id.
func NewOperationID() string { return uuid.NewString() }

// StartOperation records id as in-flight. When a journal backend is
// configured the record is also persisted so it survives the process.
func (m *Manager) StartOperation(ctx context.Context, id, typ string) error {
	rec := OperationRecord{ID: id, Type: typ, StartedAt: m.clock.Now()}
	m.mu.Lock()
	m.incomplete[id] = rec
	m.mu.Unlock()
	m.logger.Debug("recovery.operation.start", "id", id, "type", typ)
	if m.journal == nil {
		return nil
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("recovery: serialize operation %q: %w", id, err)
	}
	_, err = m.journal.Put(ctx, journalPrefix+id, bytes.NewReader(raw), storage.PutOptions{
		ContentType: storage.ContentTypeJSON,
	})
	if err != nil {
		return fmt.Errorf("recovery: journal operation %q: %w", id, err)
	}
	return nil
}

// IncompleteOperations returns the in-flight records known to this
// manager, oldest first.
func (m *Manager) IncompleteOperations() []OperationRecord {
	m.mu.Lock()
	out := make([]OperationRecord, 0, len(m.incomplete))
	for _, rec := range m.incomplete {
		out = append(out, rec)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// LoadJournal merges journaled operation records into the manager.
// Call it once at session start to pick up work interrupted by a
// crash. Records already present in memory win over journaled ones.
func (m *Manager) LoadJournal(ctx context.Context) error {
	if m.journal == nil {
		return nil
	}
	var startAfter string
	for {
		res, err := m.journal.List(ctx, storage.ListOptions{
			Prefix:     journalPrefix,
			StartAfter: startAfter,
		})
		if err != nil {
			return fmt.Errorf("recovery: list journal: %w", err)
		}
		for _, obj := range res.Objects {
			rec, err := m.readJournalRecord(ctx, obj.Key)
			if err != nil {
				m.logger.Warn("recovery.journal.skip", "key", obj.Key, "error", err)
				continue
			}
			m.mu.Lock()
			if _, ok := m.incomplete[rec.ID]; !ok {
				m.incomplete[rec.ID] = rec
			}
			m.mu.Unlock()
		}
		if !res.Truncated {
			return nil
		}
		startAfter = res.NextStartAfter
	}
}

func (m *Manager) readJournalRecord(ctx context.Context, key string) (OperationRecord, error) {
	res, err := m.journal.Get(ctx, key)
	if err != nil {
		return OperationRecord{}, err
	}
	defer res.Reader.Close()
	raw, err := io.ReadAll(res.Reader)
	if err != nil {
		return OperationRecord{}, err
	}
	var rec OperationRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return OperationRecord{}, err
	}
	return rec, nil
}

// RetryIncompleteOperation runs op for a recorded operation and clears
// the record on success. On failure the record stays so the operation
// remains visible for another attempt.
func (m *Manager) RetryIncompleteOperation(ctx context.Context, id string, op Op) error {
	m.mu.Lock()
	rec, ok := m.incomplete[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("recovery: no incomplete operation %q", id)
	}
	if err := op(ctx); err != nil {
		m.logger.Warn("recovery.operation.retry_failed", "id", id, "type", rec.Type, "error", err)
		return err
	}
	return m.CompleteOperation(ctx, id)
}

// CompleteOperation clears an in-flight record, in memory and in the
// journal when one is configured.
func (m *Manager) CompleteOperation(ctx context.Context, id string) error {
	m.mu.Lock()
	rec, ok := m.incomplete[id]
	delete(m.incomplete, id)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("recovery: no incomplete operation %q", id)
	}
	m.logger.Debug("recovery.operation.complete", "id", id, "type", rec.Type)
	if m.journal == nil {
		return nil
	}
	err := m.journal.Delete(ctx, journalPrefix+id, storage.DeleteOptions{IgnoreNotFound: true})
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("recovery: clear journal for %q: %w", id, err)
	}
	return nil
}
