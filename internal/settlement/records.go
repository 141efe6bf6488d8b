package settlement

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/x402flash/facilitator/internal/pagination"
)

// Status of a settlement attempt.
type Status string

const (
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
)

// DefaultListLimit caps history queries without an explicit limit.
const DefaultListLimit = 50

// Record is one settlement attempt in the history.
type Record struct {
	ID        string    `json:"id"`
	Agent     string    `json:"agent"`
	Provider  string    `json:"provider"`
	Vault     string    `json:"vault"`
	Amount    uint64    `json:"amount"`
	Nonce     uint64    `json:"nonce"`
	TxID      string    `json:"txId,omitempty"`
	Protocol  string    `json:"protocol,omitempty"`
	Status    Status    `json:"status"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// ListOption narrows a history query.
type ListOption func(*listOpts)

type listOpts struct {
	after *pagination.Cursor
}

// After resumes a listing past the given cursor. A nil cursor is ignored.
func After(c *pagination.Cursor) ListOption {
	return func(o *listOpts) { o.after = c }
}

func applyListOpts(opts []ListOption) listOpts {
	var o listOpts
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// RecordStore persists settlement history.
type RecordStore interface {
	Insert(ctx context.Context, r *Record) error
	// List returns the newest records first. An empty agent lists all agents.
	List(ctx context.Context, agent string, limit int, opts ...ListOption) ([]*Record, error)
	Ping(ctx context.Context) error
}

// PageKey orders records for cursor pagination.
func PageKey(r *Record) (time.Time, string) { return r.CreatedAt, r.ID }

func prepare(r *Record) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
}

// MaxListLimit is the largest page a history query returns.
const MaxListLimit = 1000

func clampLimit(limit int) int {
	if limit <= 0 || limit > MaxListLimit+1 {
		return DefaultListLimit
	}
	return limit
}

// MemoryRecordStore keeps the most recent records in memory.
type MemoryRecordStore struct {
	mu       sync.RWMutex
	records  []*Record
	capacity int
}

// NewMemoryRecordStore keeps at most capacity records (10000 when capacity <= 0).
func NewMemoryRecordStore(capacity int) *MemoryRecordStore {
	if capacity <= 0 {
		capacity = 10000
	}
	return &MemoryRecordStore{capacity: capacity}
}

func (m *MemoryRecordStore) Insert(_ context.Context, r *Record) error {
	prepare(r)
	cp := *r
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, &cp)
	if over := len(m.records) - m.capacity; over > 0 {
		m.records = append([]*Record(nil), m.records[over:]...)
	}
	return nil
}

func (m *MemoryRecordStore) List(_ context.Context, agent string, limit int, opts ...ListOption) ([]*Record, error) {
	limit = clampLimit(limit)
	o := applyListOpts(opts)
	m.mu.RLock()
	defer m.mu.RUnlock()

	start := len(m.records) - 1
	if o.after != nil {
		start = m.resumeIndex(o.after)
	}

	out := make([]*Record, 0, limit)
	for i := start; i >= 0 && len(out) < limit; i-- {
		r := m.records[i]
		if agent != "" && r.Agent != agent {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

// resumeIndex returns where a newest-first scan continues after c. Records
// keep insertion order, so the cursor's own record is the anchor when it is
// still held; otherwise the scan skips everything not older than the cursor.
func (m *MemoryRecordStore) resumeIndex(c *pagination.Cursor) int {
	i := len(m.records) - 1
	for ; i >= 0; i-- {
		if m.records[i].ID == c.ID {
			return i - 1
		}
	}
	for i = len(m.records) - 1; i >= 0; i-- {
		if c.Before(m.records[i].CreatedAt, m.records[i].ID) {
			break
		}
	}
	return i
}

func (m *MemoryRecordStore) Ping(context.Context) error { return nil }
