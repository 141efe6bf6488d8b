package settlement

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/x402flash/facilitator/internal/pagination"
)

func TestMemoryRecordStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryRecordStore(3)

	for i := 0; i < 5; i++ {
		agent := "A"
		if i%2 == 1 {
			agent = "B"
		}
		require.NoError(t, s.Insert(ctx, &Record{Agent: agent, Amount: uint64(i), Status: StatusConfirmed}))
	}

	all, err := s.List(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, all, 3, "oldest records evicted")
	assert.Equal(t, uint64(4), all[0].Amount, "newest first")
	assert.Equal(t, uint64(2), all[2].Amount)
	for _, r := range all {
		assert.NotEmpty(t, r.ID)
		assert.False(t, r.CreatedAt.IsZero())
	}

	onlyB, err := s.List(ctx, "B", 10)
	require.NoError(t, err)
	require.Len(t, onlyB, 1)
	assert.Equal(t, uint64(3), onlyB[0].Amount)

	limited, _ := s.List(ctx, "", 1)
	assert.Len(t, limited, 1)

	assert.NoError(t, s.Ping(ctx))
}

func TestMemoryRecordStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryRecordStore(0)
	r := &Record{Agent: "A", Amount: 1}
	require.NoError(t, s.Insert(ctx, r))
	r.Amount = 99

	got, _ := s.List(ctx, "A", 1)
	require.Len(t, got, 1)
	assert.Equal(t, uint64(1), got[0].Amount)
	got[0].Amount = 42

	again, _ := s.List(ctx, "A", 1)
	assert.Equal(t, uint64(1), again[0].Amount)
}

func TestClampLimit(t *testing.T) {
	for _, tt := range []struct{ in, want int }{{0, DefaultListLimit}, {-1, DefaultListLimit}, {10, 10}, {1001, 1001}, {5000, DefaultListLimit}} {
		t.Run(fmt.Sprint(tt.in), func(t *testing.T) {
			assert.Equal(t, tt.want, clampLimit(tt.in))
		})
	}
}

func TestMemoryRecordStore_After(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryRecordStore(0)
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		require.NoError(t, s.Insert(ctx, &Record{Agent: "A", Amount: uint64(i), CreatedAt: base.Add(time.Duration(i) * time.Minute)}))
	}

	first, err := s.List(ctx, "A", 2)
	require.NoError(t, err)
	require.Len(t, first, 2)

	c := &pagination.Cursor{CreatedAt: first[1].CreatedAt, ID: first[1].ID}
	rest, err := s.List(ctx, "A", 10, After(c))
	require.NoError(t, err)
	require.Len(t, rest, 2)
	assert.Equal(t, uint64(1), rest[0].Amount)
	assert.Equal(t, uint64(0), rest[1].Amount)

	// Cursor whose record was evicted falls back to timestamp order.
	gone := &pagination.Cursor{CreatedAt: base.Add(90 * time.Second), ID: "evicted"}
	older, err := s.List(ctx, "", 10, After(gone))
	require.NoError(t, err)
	require.Len(t, older, 2)
	assert.Equal(t, uint64(1), older[0].Amount)

	all, err := s.List(ctx, "", 10, After(nil))
	require.NoError(t, err)
	assert.Len(t, all, 4)
}
