package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxpert/fanout/cfg"
	"github.com/maxpert/fanout/publisher"
)

func collectEnvelopes(t *testing.T, tr *MemoryTransport) chan *publisher.Envelope {
	t.Helper()
	ch := make(chan *publisher.Envelope, memoryBufferSize+8)
	require.NoError(t, tr.Start(func(env *publisher.Envelope) { ch <- env }))
	return ch
}

func recvEnvelope(t *testing.T, ch chan *publisher.Envelope) *publisher.Envelope {
	t.Helper()
	select {
	case env := <-ch:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for envelope")
		return nil
	}
}

func TestHubTwoNodeCluster(t *testing.T) {
	hub := NewHub()
	a := hub.Transport()
	b := hub.Transport()
	defer a.Close()
	defer b.Close()

	chA := collectEnvelopes(t, a)
	chB := collectEnvelopes(t, b)

	require.NoError(t, a.Broadcast(context.Background(), 1, testEnvelope(42)))

	// Every handle sees the broadcast, the sender included; the publisher's
	// own-node check sorts that out above the transport
	assert.Equal(t, uint64(42), recvEnvelope(t, chA).ID)
	assert.Equal(t, uint64(42), recvEnvelope(t, chB).ID)
}

func TestMemoryTransportBuffersBeforeStart(t *testing.T) {
	hub := NewHub()
	tr := hub.Transport()
	defer tr.Close()

	for i := uint64(1); i <= 3; i++ {
		require.NoError(t, tr.Broadcast(context.Background(), 0, testEnvelope(i)))
	}

	ch := collectEnvelopes(t, tr)
	for i := uint64(1); i <= 3; i++ {
		assert.Equal(t, i, recvEnvelope(t, ch).ID)
	}
}

func TestMemoryTransportBroadcastAfterClose(t *testing.T) {
	hub := NewHub()
	tr := hub.Transport()

	require.NoError(t, tr.Close())
	assert.ErrorIs(t, tr.Broadcast(context.Background(), 0, testEnvelope(1)), publisher.ErrTransportClosed)

	// Close is idempotent
	assert.NoError(t, tr.Close())
}

func TestMemoryTransportCloseDetaches(t *testing.T) {
	hub := NewHub()
	a := hub.Transport()
	b := hub.Transport()
	defer a.Close()

	chA := collectEnvelopes(t, a)
	collectEnvelopes(t, b)
	require.NoError(t, b.Close())

	// Broadcasting after a peer left reaches the survivors
	require.NoError(t, a.Broadcast(context.Background(), 0, testEnvelope(7)))
	assert.Equal(t, uint64(7), recvEnvelope(t, chA).ID)
}

func TestMemoryTransportOverflowDrops(t *testing.T) {
	hub := NewHub()
	tr := hub.Transport()
	defer tr.Close()

	// With no consumer running the buffer fills and the tail is dropped
	for i := uint64(1); i <= memoryBufferSize+5; i++ {
		require.NoError(t, tr.Broadcast(context.Background(), 0, testEnvelope(i)))
	}

	ch := collectEnvelopes(t, tr)
	received := 0
	for {
		select {
		case <-ch:
			received++
		case <-time.After(200 * time.Millisecond):
			assert.Equal(t, memoryBufferSize, received)
			return
		}
	}
}

func TestMemoryTransportFactory(t *testing.T) {
	tr, err := publisher.CreateTransport(cfg.BroadcastConfiguration{Transport: cfg.TransportMemory})
	require.NoError(t, err)
	require.NotNil(t, tr)
	defer tr.Close()

	// Factory handles share the default hub
	other, err := publisher.CreateTransport(cfg.BroadcastConfiguration{Transport: cfg.TransportMemory})
	require.NoError(t, err)
	defer other.Close()

	ch := make(chan *publisher.Envelope, 4)
	require.NoError(t, other.Start(func(env *publisher.Envelope) { ch <- env }))

	require.NoError(t, tr.Broadcast(context.Background(), 0, testEnvelope(5)))
	assert.Equal(t, uint64(5), recvEnvelope(t, ch).ID)
}
