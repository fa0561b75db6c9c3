package sync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/folioreader/folio/internal/domain"
	"github.com/folioreader/folio/internal/log"
)

func newTestQueue(t *testing.T) (*fakeClient, *MutationQueue) {
	t.Helper()
	st, client, r := newTestEngine(t)
	_ = st
	return client, NewMutationQueue(st, client, r, testInstance, log.NullLogger())
}

func TestDrainSendsInCreationOrderAndDeletes(t *testing.T) {
	client, q := newTestQueue(t)

	require.NoError(t, q.EnqueuePageProgress("b1", "s1", 10, false))
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, q.EnqueuePageProgress("b2", "s1", 3, false))

	result, err := q.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, result.Sent)
	assert.Equal(t, 0, result.Skipped)

	require.Len(t, client.progressCalls, 2)
	assert.Equal(t, "b1", client.progressCalls[0].BookID)
	assert.Equal(t, "b2", client.progressCalls[1].BookID)

	n, err := q.Len()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestEnqueueCollapsesToLatest(t *testing.T) {
	client, q := newTestQueue(t)

	require.NoError(t, q.EnqueuePageProgress("b1", "s1", 5, false))
	require.NoError(t, q.EnqueuePageProgress("b1", "s1", 42, true))

	result, err := q.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Sent)
	require.Len(t, client.progressCalls, 1)
	assert.Equal(t, 42, client.progressCalls[0].Page)
	assert.True(t, client.progressCalls[0].Completed)
}

func TestDrainReplayIsIdempotent(t *testing.T) {
	client, q := newTestQueue(t)
	client.addBook("s1", domain.Book{RemoteID: "b1", InstanceID: testInstance, SeriesID: "s1", Name: "b1.cbz"})

	require.NoError(t, q.EnqueuePageProgress("b1", "s1", 30, false))
	_, err := q.Drain(context.Background())
	require.NoError(t, err)
	first := client.remoteProgress("b1")

	// The write is absolute ("set progress to page 30"), so replaying
	// the same confirmed mutation lands the server in the same state.
	require.NoError(t, q.EnqueuePageProgress("b1", "s1", 30, false))
	_, err = q.Drain(context.Background())
	require.NoError(t, err)

	require.Len(t, client.progressCalls, 2)
	assert.Equal(t, client.progressCalls[0], client.progressCalls[1])
	assert.Equal(t, first, client.remoteProgress("b1"))

	n, err := q.Len()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDrainSkipsRejectedMutation(t *testing.T) {
	client, q := newTestQueue(t)
	client.failBooks["bad"] = errors.New("server said no")

	require.NoError(t, q.EnqueuePageProgress("bad", "s1", 1, false))
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, q.EnqueuePageProgress("good", "s1", 2, false))

	result, err := q.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Sent)
	assert.Equal(t, 1, result.Skipped)

	// The rejected mutation stays queued for a later pass.
	n, err := q.Len()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestDrainAbortsWhenServerOffline(t *testing.T) {
	client, q := newTestQueue(t)
	client.err = domain.ErrServerOffline

	require.NoError(t, q.EnqueuePageProgress("b1", "s1", 1, false))

	_, err := q.Drain(context.Background())
	require.ErrorIs(t, err, domain.ErrServerOffline)

	n, err := q.Len()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestDrainSingleFlight(t *testing.T) {
	client, q := newTestQueue(t)
	client.blockDrain = make(chan struct{})

	require.NoError(t, q.EnqueuePageProgress("b1", "s1", 1, false))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := q.Drain(context.Background())
		assert.NoError(t, err)
	}()

	// Wait until the first drain is stuck inside the client call, then
	// a concurrent drain must refuse to start.
	require.Eventually(t, func() bool {
		_, err := q.Drain(context.Background())
		return errors.Is(err, ErrDrainInProgress)
	}, time.Second, 5*time.Millisecond)

	close(client.blockDrain)
	wg.Wait()

	// With the first drain finished the guard is released again.
	_, err := q.Drain(context.Background())
	assert.NoError(t, err)
}

func TestDrainSendsProgressionPayload(t *testing.T) {
	client, q := newTestQueue(t)

	require.NoError(t, q.EnqueueProgression("b1", "s1", []byte(`{"locator":"epubcfi(/6/4)"}`)))

	result, err := q.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Sent)
	assert.Equal(t, []string{"b1"}, client.progressionCalls)
}

func TestDrainEmptyQueueIsNoop(t *testing.T) {
	client, q := newTestQueue(t)
	result, err := q.Drain(context.Background())
	require.NoError(t, err)
	assert.Zero(t, result.Sent)
	assert.Empty(t, client.progressCalls)
}
