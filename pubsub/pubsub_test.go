package pubsub

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alimasry/otsync/store"
)

// recordingTransport counts upstream calls and loops publishes back.
type recordingTransport struct {
	mu     sync.Mutex
	subs   map[string]int
	unsubs map[string]int
	hub    *Hub
	fail   error
}

func newRecording() (*Hub, *recordingTransport) {
	t := &recordingTransport{subs: map[string]int{}, unsubs: map[string]int{}}
	t.hub = NewHub(t)
	return t.hub, t
}

func (t *recordingTransport) Subscribe(_ context.Context, channel string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fail != nil {
		return t.fail
	}
	t.subs[channel]++
	return nil
}

func (t *recordingTransport) Unsubscribe(_ context.Context, channel string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.unsubs[channel]++
	return nil
}

func (t *recordingTransport) Publish(_ context.Context, channels []string, op *store.Op) error {
	for _, c := range channels {
		t.hub.Emit(c, op)
	}
	return nil
}

func (t *recordingTransport) Close() error { return nil }

func (t *recordingTransport) counts(channel string) (int, int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.subs[channel], t.unsubs[channel]
}

func receive(t *testing.T, s *Stream) Message {
	t.Helper()
	select {
	case msg, ok := <-s.C():
		require.True(t, ok, "stream closed")
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
		return Message{}
	}
}

func assertNothing(t *testing.T, s *Stream) {
	t.Helper()
	select {
	case msg := <-s.C():
		t.Fatalf("unexpected message: %+v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemory_PublishReachesSubscribers(t *testing.T) {
	ps := NewMemory()
	defer ps.Close()
	ctx := context.Background()

	coll, err := ps.Subscribe(ctx, CollectionChannel("dogs"))
	require.NoError(t, err)
	doc, err := ps.Subscribe(ctx, DocChannel("dogs", "fido"))
	require.NoError(t, err)
	other, err := ps.Subscribe(ctx, DocChannel("dogs", "rex"))
	require.NoError(t, err)

	op := &store.Op{C: "dogs", D: "fido", Op: []any{}}
	require.NoError(t, ps.Publish(ctx, []string{"dogs", "dogs.fido"}, op))

	assert.Equal(t, "fido", receive(t, coll).Op.D)
	assert.Equal(t, "fido", receive(t, doc).Op.D)
	assertNothing(t, other)
}

func TestStream_PreservesOrder(t *testing.T) {
	ps := NewMemory()
	defer ps.Close()
	ctx := context.Background()

	s, err := ps.Subscribe(ctx, "c")
	require.NoError(t, err)

	// Publish more than any buffer would hold before reading.
	const n = 500
	for i := 0; i < n; i++ {
		require.NoError(t, ps.Publish(ctx, []string{"c"}, &store.Op{Seq: i + 1, Src: "x"}))
	}
	for i := 0; i < n; i++ {
		assert.Equal(t, i+1, receive(t, s).Op.Seq)
	}
}

func TestStream_GetsPrivateCopy(t *testing.T) {
	ps := NewMemory()
	defer ps.Close()
	ctx := context.Background()

	a, _ := ps.Subscribe(ctx, "c")
	b, _ := ps.Subscribe(ctx, "c")
	require.NoError(t, ps.Publish(ctx, []string{"c"}, &store.Op{M: map[string]any{"k": "v"}}))

	ma := receive(t, a)
	ma.Op.M["k"] = "changed"
	mb := receive(t, b)
	assert.Equal(t, "v", mb.Op.M["k"])
}

func TestHub_ReleasesUpstreamWhenLastStreamGoes(t *testing.T) {
	hub, tr := newRecording()
	defer hub.Close()
	ctx := context.Background()

	s1, err := hub.Subscribe(ctx, "dogs")
	require.NoError(t, err)
	s2, err := hub.Subscribe(ctx, "dogs")
	require.NoError(t, err)

	subs, unsubs := tr.counts("dogs")
	assert.Equal(t, 1, subs, "second local stream must share the upstream subscription")
	assert.Equal(t, 0, unsubs)
	assert.Equal(t, 2, hub.Subscribers("dogs"))

	s1.Destroy()
	_, unsubs = tr.counts("dogs")
	assert.Equal(t, 0, unsubs)

	s2.Destroy()
	s2.Destroy() // idempotent
	_, unsubs = tr.counts("dogs")
	assert.Equal(t, 1, unsubs)
	assert.Equal(t, 0, hub.Subscribers("dogs"))

	// Resubscribing subscribes upstream again.
	_, err = hub.Subscribe(ctx, "dogs")
	require.NoError(t, err)
	subs, _ = tr.counts("dogs")
	assert.Equal(t, 2, subs)
}

func TestHub_SubscribeError(t *testing.T) {
	hub, tr := newRecording()
	defer hub.Close()
	tr.fail = errors.New("broker down")

	_, err := hub.Subscribe(context.Background(), "dogs")
	require.Error(t, err)
	assert.Equal(t, 0, hub.Subscribers("dogs"))
}

func TestStream_DestroyClosesChannel(t *testing.T) {
	ps := NewMemory()
	defer ps.Close()

	s, err := ps.Subscribe(context.Background(), "c")
	require.NoError(t, err)
	s.Destroy()

	select {
	case _, ok := <-s.C():
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("C() not closed after Destroy")
	}

	// Publishing after destroy must not panic or deliver.
	require.NoError(t, ps.Publish(context.Background(), []string{"c"}, &store.Op{}))
}

func TestStream_Filter(t *testing.T) {
	ps := NewMemory()
	defer ps.Close()
	ctx := context.Background()

	boom := errors.New("boom")
	s, err := ps.Subscribe(ctx, "c", WithFilter(func(op *store.Op) (*store.Op, error) {
		switch op.Seq {
		case 1:
			return nil, nil
		case 2:
			return nil, boom
		}
		op.M = map[string]any{"filtered": true}
		return op, nil
	}))
	require.NoError(t, err)

	for seq := 1; seq <= 3; seq++ {
		require.NoError(t, ps.Publish(ctx, []string{"c"}, &store.Op{Src: "a", Seq: seq}))
	}

	msg := receive(t, s)
	assert.ErrorIs(t, msg.Err, boom)
	msg = receive(t, s)
	require.NoError(t, msg.Err)
	assert.Equal(t, 3, msg.Op.Seq)
	assert.Equal(t, true, msg.Op.M["filtered"])
}

func TestStream_PushError(t *testing.T) {
	ps := NewMemory()
	defer ps.Close()

	s, _ := ps.Subscribe(context.Background(), "c")
	s.PushError(errors.New("lost"))
	assert.EqualError(t, receive(t, s).Err, "lost")
}

func TestHub_Close(t *testing.T) {
	ps := NewMemory()
	s, err := ps.Subscribe(context.Background(), "c")
	require.NoError(t, err)

	require.NoError(t, ps.Close())
	require.NoError(t, ps.Close())

	<-s.Done()
	_, err = ps.Subscribe(context.Background(), "c")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, ps.Publish(context.Background(), []string{"c"}, &store.Op{}), ErrClosed)
}

func TestChannels(t *testing.T) {
	assert.Equal(t, "books", CollectionChannel("books"))
	assert.Equal(t, "books.1984", DocChannel("books", "1984"))
}
