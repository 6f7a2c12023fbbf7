package sync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestQueue(t *testing.T) {
	q := NewQueue[int]()
	assert.Nil(t, q.TryGet())

	q.Put(1)
	q.Put(2)
	q.Put(3)

	v, ok := q.Get(context.Background())
	require.True(t, ok)
	assert.Equal(t, 1, v)

	assert.Equal(t, []int{2, 3}, q.TryGet())
	assert.Nil(t, q.TryGet())

	q.Put(4)
	batch := <-q.Ready()
	q.Done()
	assert.Equal(t, []int{4}, batch)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, ok = q.Get(ctx)
	assert.False(t, ok)
}

func TestNotifier(t *testing.T) {
	defer goleak.VerifyNone(t)

	n := NewNotifier("a")

	v, seq := n.LastChange()
	assert.Equal(t, "a", v)
	assert.Equal(t, int64(0), seq)

	got := make(chan string)
	go func() {
		v, _ := n.AwaitChange(context.Background(), seq)
		got <- v
	}()

	n.NotifyChange("b")

	select {
	case v := <-got:
		assert.Equal(t, "b", v)
	case <-time.After(5 * time.Second):
		t.Fatal("no notification")
	}

	// A stale sequence number returns the latest value at once.
	n.NotifyChange("c")
	v, seq = n.AwaitChange(context.Background(), 0)
	assert.Equal(t, "c", v)
	assert.Equal(t, int64(2), seq)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	v, seq = n.AwaitChange(ctx, seq)
	assert.Equal(t, "c", v)
	assert.Equal(t, int64(2), seq)
}
