package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/process-engine/types"
)

var baseTime = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// Helper function to create a sample process
func newProcess(id, workflowID, state string, offset time.Duration) types.Process {
	created := baseTime.Add(offset)
	return types.Process{
		ID:             id,
		WorkflowID:     workflowID,
		CurrentState:   state,
		SourceForm:     "forms/order",
		SourceRecordID: "rec-" + id,
		Data:           map[string]interface{}{"paid": false, "customer": "ada"},
		History: []types.HistoryEntry{
			{Timestamp: created, ToState: state, Actor: types.ActorSystem, ActorType: types.ActorSystem, Trigger: types.TriggerFormSave},
		},
		CreatedAt: created,
		UpdatedAt: created,
	}
}

// testStorageContract exercises the behavior every Storage must share.
func testStorageContract(t *testing.T, newStore func(t *testing.T) Storage) {
	t.Run("SaveAndGet", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		p := newProcess("p1", "orders", "quote", 0)
		require.NoError(t, store.Save(ctx, &p))
		assert.Equal(t, int64(1), p.Version)

		got, err := store.Get(ctx, "p1")
		require.NoError(t, err)
		assert.Equal(t, "quote", got.CurrentState)
		assert.Equal(t, int64(1), got.Version)
		assert.Equal(t, "ada", got.Data["customer"])
		require.Len(t, got.History, 1)
		assert.True(t, got.History[0].Timestamp.Equal(p.History[0].Timestamp))

		_, err = store.Get(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("OptimisticVersioning", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		p := newProcess("p1", "orders", "quote", 0)
		require.NoError(t, store.Save(ctx, &p))

		a, err := store.Get(ctx, "p1")
		require.NoError(t, err)
		b, err := store.Get(ctx, "p1")
		require.NoError(t, err)

		a.CurrentState = "confirmed"
		require.NoError(t, store.Save(ctx, &a))
		assert.Equal(t, int64(2), a.Version)

		b.CurrentState = "cancelled"
		err = store.Save(ctx, &b)
		assert.ErrorIs(t, err, ErrVersionConflict)

		got, err := store.Get(ctx, "p1")
		require.NoError(t, err)
		assert.Equal(t, "confirmed", got.CurrentState)

		fresh := newProcess("p1", "orders", "quote", 0)
		assert.ErrorIs(t, store.Save(ctx, &fresh), ErrVersionConflict, "re-inserting an existing id conflicts")

		assert.ErrorIs(t, store.Save(ctx, &types.Process{}), ErrInvalidID)
	})

	t.Run("ListAndFilter", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		procs := []types.Process{
			newProcess("p3", "orders", "shipped", 3*time.Minute),
			newProcess("p1", "orders", "quote", time.Minute),
			newProcess("p2", "orders", "quote", 2*time.Minute),
			newProcess("t1", "tickets", "new", 0),
		}
		procs[2].Orphaned = true
		procs[2].SourceForm = types.OrphanMarker + "forms/order"
		for i := range procs {
			require.NoError(t, store.Save(ctx, &procs[i]))
		}

		all, err := store.List(ctx, "", Filter{})
		require.NoError(t, err)
		assert.Len(t, all, 4)

		orders, err := store.List(ctx, "orders", Filter{})
		require.NoError(t, err)
		require.Len(t, orders, 3)
		assert.Equal(t, []string{"p1", "p2", "p3"}, ids(orders), "ordered by creation")

		quotes, err := store.List(ctx, "orders", Filter{State: "quote", ExcludeOrphaned: true})
		require.NoError(t, err)
		assert.Equal(t, []string{"p1"}, ids(quotes))

		orphans, err := store.List(ctx, "", Filter{OnlyOrphaned: true})
		require.NoError(t, err)
		assert.Equal(t, []string{"p2"}, ids(orphans))

		byRecord, err := store.List(ctx, "orders", Filter{SourceForm: "forms/order", SourceRecordID: "rec-p3"})
		require.NoError(t, err)
		assert.Equal(t, []string{"p3"}, ids(byRecord))

		none, err := store.List(ctx, "unknown", Filter{})
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("Delete", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		p := newProcess("p1", "orders", "quote", 0)
		require.NoError(t, store.Save(ctx, &p))
		require.NoError(t, store.Delete(ctx, "p1"))

		_, err := store.Get(ctx, "p1")
		assert.ErrorIs(t, err, ErrNotFound)

		listed, err := store.List(ctx, "orders", Filter{})
		require.NoError(t, err)
		assert.Empty(t, listed)

		assert.ErrorIs(t, store.Delete(ctx, "p1"), ErrNotFound)
	})

	t.Run("ContextCancellation", func(t *testing.T) {
		store := newStore(t)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		p := newProcess("p1", "orders", "quote", 0)
		assert.ErrorIs(t, store.Save(ctx, &p), context.Canceled)

		_, err := store.Get(ctx, "p1")
		assert.ErrorIs(t, err, context.Canceled)

		_, err = store.List(ctx, "", Filter{})
		assert.ErrorIs(t, err, context.Canceled)

		assert.ErrorIs(t, store.Delete(ctx, "p1"), context.Canceled)
	})

	t.Run("ConcurrentWritersOneWins", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		p := newProcess("p1", "orders", "quote", 0)
		require.NoError(t, store.Save(ctx, &p))

		const writers = 20
		var wg sync.WaitGroup
		var mu sync.Mutex
		wins, conflicts := 0, 0
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				cp := p.Copy()
				cp.CurrentState = fmt.Sprintf("s%d", i)
				err := store.Save(ctx, &cp)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					wins++
				case errors.Is(err, ErrVersionConflict):
					conflicts++
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}(i)
		}
		wg.Wait()

		assert.Equal(t, 1, wins)
		assert.Equal(t, writers-1, conflicts)
	})
}

func ids(ps []types.Process) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = p.ID
	}
	return out
}

func TestMemoryStorage(t *testing.T) {
	testStorageContract(t, func(t *testing.T) Storage { return NewMemoryStorage() })

	t.Run("RecordsAreCopied", func(t *testing.T) {
		store := NewMemoryStorage()
		ctx := context.Background()

		p := newProcess("p1", "orders", "quote", 0)
		require.NoError(t, store.Save(ctx, &p))
		p.Data["customer"] = "mutated"

		got, err := store.Get(ctx, "p1")
		require.NoError(t, err)
		assert.Equal(t, "ada", got.Data["customer"])

		got.Data["customer"] = "mutated again"
		again, _ := store.Get(ctx, "p1")
		assert.Equal(t, "ada", again.Data["customer"])
	})
}

func TestFilterMatch(t *testing.T) {
	p := newProcess("p1", "orders", "quote", 0)
	assert.True(t, Filter{}.Match(p))
	assert.True(t, Filter{State: "quote", ExcludeOrphaned: true}.Match(p))
	assert.False(t, Filter{State: "shipped"}.Match(p))
	assert.False(t, Filter{OnlyOrphaned: true}.Match(p))
	p.Orphaned = true
	assert.False(t, Filter{ExcludeOrphaned: true}.Match(p))
}

func TestWithContext(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		result, err := withContext(context.Background(), func() (string, error) {
			return "success", nil
		})
		assert.NoError(t, err)
		assert.Equal(t, "success", result)
	})

	t.Run("CanceledContext", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := withContext(ctx, func() (string, error) {
			return "success", nil
		})
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("ErrorOnly", func(t *testing.T) {
		err := withContextError(context.Background(), func() error { return errors.New("fail") })
		assert.EqualError(t, err, "fail")
	})
}
