package repository

import (
	"context"
	"sync"

	"github.com/hoshdog/threadr-migrate/internal/models"
)

// MemoryTarget is an in-memory TargetStore. Transactions buffer their
// mutations and apply them only when the transaction function succeeds, so a
// failed batch leaves no partial state, matching the relational store.
//
// The exported counters and the DeletedIDs journal exist so callers can
// assert side effects (dry runs perform zero inserts, rollbacks delete in
// reverse order) without a live database.
type MemoryTarget struct {
	mu     sync.Mutex
	tables map[string]map[string]models.TargetRecord // table -> id -> record
	byKey  map[string]map[string]string              // table -> conflict key -> id

	InsertCalls int64
	UpsertCalls int64
	DeleteCalls int64
	DeletedIDs  []string

	// InsertErr, when non-nil, is returned for inserts into FailTable
	// (or every table when FailTable is empty).
	InsertErr error
	FailTable string

	// UpsertErr, when non-nil, fails every Upsert.
	UpsertErr error

	// DeleteErr, when non-nil, fails deletes of FailDeleteID (or every
	// delete when FailDeleteID is empty).
	DeleteErr    error
	FailDeleteID string
}

func NewMemoryTarget() *MemoryTarget {
	return &MemoryTarget{
		tables: make(map[string]map[string]models.TargetRecord),
		byKey:  make(map[string]map[string]string),
	}
}

func (s *MemoryTarget) Ping(ctx context.Context) error    { return nil }
func (s *MemoryTarget) Migrate(ctx context.Context) error { return nil }
func (s *MemoryTarget) Close() error                      { return nil }

type memOp struct {
	insert models.TargetRecord
	delete bool
	table  string
	id     string
}

type memoryTx struct {
	store *MemoryTarget
	ops   []memOp
}

func (s *MemoryTarget) Transaction(ctx context.Context, fn func(tx TargetTx) error) error {
	tx := &memoryTx{store: s}
	if err := fn(tx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, op := range tx.ops {
		if op.delete {
			s.DeleteCalls++
			s.DeletedIDs = append(s.DeletedIDs, op.id)
			if rows, ok := s.tables[op.table]; ok {
				if rec, ok := rows[op.id]; ok {
					delete(s.byKey[op.table], rec.Key())
					delete(rows, op.id)
				}
			}
			continue
		}
		s.apply(op.insert)
	}
	return nil
}

func (s *MemoryTarget) apply(rec models.TargetRecord) {
	table := rec.TableName()
	if s.tables[table] == nil {
		s.tables[table] = make(map[string]models.TargetRecord)
		s.byKey[table] = make(map[string]string)
	}
	s.tables[table][rec.RecordID()] = rec
	s.byKey[table][rec.Key()] = rec.RecordID()
}

func (t *memoryTx) Insert(ctx context.Context, rec models.TargetRecord) (bool, error) {
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.InsertErr != nil && (s.FailTable == "" || s.FailTable == rec.TableName()) {
		return false, s.InsertErr
	}

	s.InsertCalls++
	if _, exists := s.byKey[rec.TableName()][rec.Key()]; exists {
		return false, nil
	}
	// conflicts within the same pending transaction
	for _, op := range t.ops {
		if op.insert != nil && op.insert.TableName() == rec.TableName() && op.insert.Key() == rec.Key() {
			return false, nil
		}
	}

	t.ops = append(t.ops, memOp{insert: rec})
	return true, nil
}

func (t *memoryTx) Upsert(ctx context.Context, rec models.TargetRecord) error {
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.UpsertErr != nil {
		return s.UpsertErr
	}

	s.UpsertCalls++
	if id, exists := s.byKey[rec.TableName()][rec.Key()]; exists {
		t.ops = append(t.ops, memOp{delete: true, table: rec.TableName(), id: id})
	}
	t.ops = append(t.ops, memOp{insert: rec})
	return nil
}

func (t *memoryTx) Delete(ctx context.Context, table, id string) error {
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.DeleteErr != nil && (s.FailDeleteID == "" || s.FailDeleteID == id) {
		return s.DeleteErr
	}

	t.ops = append(t.ops, memOp{delete: true, table: table, id: id})
	return nil
}

func (s *MemoryTarget) FindUserByEmail(ctx context.Context, email string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.tables["users"] {
		if user, ok := rec.(*models.User); ok && user.Email == email {
			return user, nil
		}
	}
	return nil, ErrRecordNotFound
}

func (s *MemoryTarget) GetBySourceKey(ctx context.Context, table, sourceKey string) (models.TargetRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byKey[table][sourceKey]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return s.tables[table][id], nil
}

func (s *MemoryTarget) CountRows(ctx context.Context, table string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.tables[table])), nil
}

func (s *MemoryTarget) CountOrphans(ctx context.Context, table string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if table == "users" {
		return 0, nil
	}

	users := s.tables["users"]
	var orphans int64
	for _, rec := range s.tables[table] {
		ref, ok := rec.(models.OwnerRef)
		if !ok || ref.UserRef() == "" {
			continue
		}
		if _, exists := users[ref.UserRef()]; !exists {
			orphans++
		}
	}
	return orphans, nil
}

// Rows returns a snapshot of one table, keyed by record id.
func (s *MemoryTarget) Rows(table string) map[string]models.TargetRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]models.TargetRecord, len(s.tables[table]))
	for id, rec := range s.tables[table] {
		out[id] = rec
	}
	return out
}

var _ TargetStore = (*MemoryTarget)(nil)
