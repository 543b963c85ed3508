package memdb

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type counter struct {
	db    *DB
	value int
}

func (c *counter) add(ctx context.Context, n int) error {
	return c.db.Update(ctx, func(ctx context.Context) error {
		prev := c.value
		c.value += n
		if err := c.db.OnRollback(ctx, func() { c.value = prev }); err != nil {
			return err
		}
		return c.db.Emit(ctx, "counter", "added", "c", map[string]int{"n": n})
	})
}

func (c *counter) Apply(evt Event) error {
	var body map[string]int
	if err := json.Unmarshal(evt.Payload, &body); err != nil {
		return err
	}
	c.value += body["n"]
	return nil
}

func TestUpdateRollsBackOnError(t *testing.T) {
	journal := NewMemoryJournal()
	db, err := Open(Config{Journal: journal})
	require.NoError(t, err)
	c := &counter{db: db}
	ctx := context.Background()

	require.NoError(t, c.add(ctx, 5))
	boom := errors.New("boom")
	err = db.Update(ctx, func(ctx context.Context) error {
		require.NoError(t, c.add(ctx, 3))
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.Equal(t, 5, c.value)
	require.Equal(t, 1, journal.Len())
}

func TestNestedFailureKeepsOuterWrites(t *testing.T) {
	db := New()
	c := &counter{db: db}
	ctx := context.Background()

	err := db.Update(ctx, func(ctx context.Context) error {
		require.NoError(t, c.add(ctx, 2))
		nestedErr := db.Update(ctx, func(ctx context.Context) error {
			require.NoError(t, c.add(ctx, 10))
			return errors.New("nested")
		})
		require.Error(t, nestedErr)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, c.value)
}

func TestViewRejectsWrites(t *testing.T) {
	db := New()
	c := &counter{db: db}
	err := db.View(context.Background(), func(ctx context.Context) error {
		return c.add(ctx, 1)
	})
	require.ErrorIs(t, err, ErrReadOnly)
}

func TestSequencesRollBack(t *testing.T) {
	db := New()
	ctx := context.Background()
	_ = db.Update(ctx, func(ctx context.Context) error {
		id, err := db.NextID(ctx, "orders")
		require.NoError(t, err)
		require.EqualValues(t, 1, id)
		return errors.New("abort")
	})
	require.NoError(t, db.Update(ctx, func(ctx context.Context) error {
		id, err := db.NextID(ctx, "orders")
		require.NoError(t, err)
		require.EqualValues(t, 1, id)
		return nil
	}))
}

func TestRestoreReplaysJournal(t *testing.T) {
	journal := NewMemoryJournal()
	db, err := Open(Config{Journal: journal})
	require.NoError(t, err)
	c := &counter{db: db}
	ctx := context.Background()
	require.NoError(t, c.add(ctx, 4))
	require.NoError(t, c.add(ctx, 6))

	restored, err := Open(Config{Journal: journal})
	require.NoError(t, err)
	rc := &counter{db: restored}
	restored.Register("counter", rc)
	n, err := restored.Restore(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, 10, rc.value)
}

func TestAfterRestoreHooksRunAfterReplay(t *testing.T) {
	journal := NewMemoryJournal()
	db, err := Open(Config{Journal: journal})
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, (&counter{db: db}).add(ctx, 3))

	restored, err := Open(Config{Journal: journal})
	require.NoError(t, err)
	rc := &counter{db: restored}
	restored.Register("counter", rc)
	var seen []int
	restored.AfterRestore(func() error {
		seen = append(seen, rc.value)
		return nil
	})
	boom := errors.New("ledger mismatch")
	restored.AfterRestore(func() error { return boom })

	n, err := restored.Restore(ctx)
	require.ErrorIs(t, err, boom)
	require.Equal(t, 1, n)
	require.Equal(t, []int{3}, seen)
}
