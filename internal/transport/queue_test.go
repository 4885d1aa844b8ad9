package transport

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_FIFOThenClose(t *testing.T) {
	q := newQueue[int]()
	for i := range 100 {
		require.True(t, q.push(i))
	}
	q.close(nil)
	assert.False(t, q.push(100))

	ctx := context.Background()
	for i := range 100 {
		v, err := q.pop(ctx)
		require.NoError(t, err)
		assert.Equal(t, i, v)
	}
	_, err := q.pop(ctx)
	assert.ErrorIs(t, err, io.EOF)
}

func TestQueue_FirstCloseWins(t *testing.T) {
	q := newQueue[string]()
	boom := errors.New("boom")
	q.close(boom)
	q.close(io.EOF)
	_, err := q.pop(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestQueue_BlockingPop(t *testing.T) {
	q := newQueue[string]()
	go func() {
		time.Sleep(10 * time.Millisecond)
		q.push("late")
	}()
	v, err := q.pop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "late", v)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = q.pop(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
