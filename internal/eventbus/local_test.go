package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLocalBackendFIFO(t *testing.T) {
	b := NewLocalBackend()
	for i := int64(1); i <= 3; i++ {
		require.NoError(t, b.Send(NewEvent(EventNewRequest, i)))
	}
	for i := int64(1); i <= 3; i++ {
		ev, ok := b.Get(EventNewRequest, time.Millisecond)
		require.True(t, ok)
		require.Equal(t, i, ev.AssociatedID)
	}
	_, ok := b.Get(EventNewRequest, time.Millisecond)
	require.False(t, ok)
}

func TestLocalBackendCoalesces(t *testing.T) {
	b := NewLocalBackend()
	require.NoError(t, b.Send(NewEvent(EventNewRequest, 7)))
	require.NoError(t, b.Send(NewEvent(EventNewRequest, 7)))

	ev, ok := b.Get(EventNewRequest, time.Millisecond)
	require.True(t, ok)
	require.Equal(t, int64(7), ev.AssociatedID)

	_, ok = b.Get(EventNewRequest, time.Millisecond)
	require.False(t, ok)

	// Still coalescing until the event is acknowledged.
	require.NoError(t, b.Send(NewEvent(EventNewRequest, 7)))
	_, ok = b.Get(EventNewRequest, time.Millisecond)
	require.False(t, ok)

	b.Clean(ev)
	require.NoError(t, b.Send(NewEvent(EventNewRequest, 7)))
	_, ok = b.Get(EventNewRequest, time.Millisecond)
	require.True(t, ok)
}

func TestLocalBackendQueuesAreIndependent(t *testing.T) {
	b := NewLocalBackend()
	require.NoError(t, b.Send(NewEvent(EventNewRequest, 1)))
	require.NoError(t, b.Send(NewEvent(EventNewTransform, 1)))

	ev, ok := b.Get(EventNewTransform, time.Millisecond)
	require.True(t, ok)
	require.Equal(t, EventNewTransform, ev.Type)

	ev, ok = b.Get(EventNewRequest, time.Millisecond)
	require.True(t, ok)
	require.Equal(t, EventNewRequest, ev.Type)
}

func TestLocalBackendFailRequeues(t *testing.T) {
	b := NewLocalBackend()
	require.NoError(t, b.Send(NewEvent(EventUpdateRequest, 9)))

	ev, ok := b.Get(EventUpdateRequest, time.Millisecond)
	require.True(t, ok)
	require.Zero(t, ev.RetryCount)

	b.Fail(ev)
	again, ok := b.Get(EventUpdateRequest, time.Millisecond)
	require.True(t, ok)
	require.Equal(t, ev.ID, again.ID)
	require.Equal(t, 1, again.RetryCount)
}

func TestLocalBackendGetWaitsForSend(t *testing.T) {
	b := NewLocalBackend()
	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = b.Send(NewEvent(EventNewProcessing, 3))
	}()

	ev, ok := b.Get(EventNewProcessing, time.Second)
	require.True(t, ok)
	require.Equal(t, int64(3), ev.AssociatedID)
}

func TestLocalBackendStop(t *testing.T) {
	b := NewLocalBackend()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, ok := b.Get(EventNewRequest, time.Minute)
		require.False(t, ok)
	}()

	time.Sleep(10 * time.Millisecond)
	b.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Get did not unblock on Stop")
	}

	require.ErrorIs(t, b.Send(NewEvent(EventNewRequest, 1)), ErrStopped)
}

func TestLocalBackendReportsRing(t *testing.T) {
	b := NewLocalBackend()
	for i := 0; i < maxReports+10; i++ {
		b.Report(Report{Status: "ok"})
	}
	require.Len(t, b.Reports(), maxReports)
}
