package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/pscheid92/wsrelay/internal/adapter/metrics"
	"github.com/pscheid92/wsrelay/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockBus struct {
	mu        sync.Mutex
	published []domain.Message
	err       error
}

func (b *mockBus) Publish(_ context.Context, msg domain.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.published = append(b.published, msg)
	return nil
}

func (b *mockBus) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.published)
}

type testPeer struct {
	conn      *Connection
	transport *fakeTransport
}

// testRelay registers n connections backed by fake transports.
func testRelay(t *testing.T, n int, opts BroadcasterOptions) (*Broadcaster, *Registry, []testPeer, *metrics.RelayMetrics) {
	t.Helper()

	m := newTestMetrics()
	registry := NewRegistry(m)
	peers := make([]testPeer, n)
	for i := range peers {
		ft := newFakeTransport()
		conn := newOpenConnection(t, ft, testOptions(), m)
		require.NoError(t, registry.Add(conn))
		peers[i] = testPeer{conn: conn, transport: ft}
	}
	if opts.InstanceID == "" {
		opts.InstanceID = "instance-a"
	}
	return NewBroadcaster(registry, opts, m), registry, peers, m
}

func textFrom(p testPeer, s string) domain.Message {
	return domain.Message{Sender: p.conn.ID(), Origin: "instance-a", Frame: domain.TextMessage(s), ReceivedAt: time.Now()}
}

// settle waits until every peer has written want frames, then gives stragglers a moment.
func settle(t *testing.T, peers []testPeer, want func(i int) int) {
	t.Helper()
	for i, p := range peers {
		assert.Eventually(t, func() bool { return len(p.transport.dataFrames()) >= want(i) }, time.Second, 5*time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
}

func TestBroadcaster_EchoToSender(t *testing.T) {
	b, _, peers, _ := testRelay(t, 3, BroadcasterOptions{Policy: domain.EchoToSender})

	report := b.Deliver(context.Background(), textFrom(peers[0], "ping"))

	assert.Equal(t, 1, report.Targets)
	assert.Equal(t, 1, report.Delivered)
	assert.False(t, report.Failed())

	settle(t, peers, func(i int) int {
		if i == 0 {
			return 1
		}
		return 0
	})
	assert.Equal(t, []string{"ping"}, peers[0].transport.dataFrames())
	assert.Empty(t, peers[1].transport.dataFrames())
	assert.Empty(t, peers[2].transport.dataFrames())
}

func TestBroadcaster_EchoUnknownSender(t *testing.T) {
	b, registry, peers, _ := testRelay(t, 1, BroadcasterOptions{Policy: domain.EchoToSender})
	registry.Remove(peers[0].conn.ID())

	report := b.Deliver(context.Background(), textFrom(peers[0], "ping"))

	assert.Equal(t, 0, report.Targets)
	assert.Equal(t, 0, report.Delivered)
}

func TestBroadcaster_BroadcastToOthers(t *testing.T) {
	const n = 5
	b, _, peers, _ := testRelay(t, n, BroadcasterOptions{Policy: domain.BroadcastToOthers})

	report := b.Deliver(context.Background(), textFrom(peers[2], "hello"))

	assert.Equal(t, n-1, report.Targets)
	assert.Equal(t, n-1, report.Delivered)

	settle(t, peers, func(i int) int {
		if i == 2 {
			return 0
		}
		return 1
	})
	for i, p := range peers {
		if i == 2 {
			assert.Empty(t, p.transport.dataFrames(), "sender must not receive its own message")
			continue
		}
		assert.Equal(t, []string{"hello"}, p.transport.dataFrames())
	}
}

func TestBroadcaster_BroadcastToAllTwoClients(t *testing.T) {
	b, _, peers, _ := testRelay(t, 2, BroadcasterOptions{Policy: domain.BroadcastToAll})

	report := b.Deliver(context.Background(), textFrom(peers[0], "hi"))
	assert.Equal(t, 2, report.Delivered)

	settle(t, peers, func(int) int { return 1 })
	assert.Equal(t, []string{"hi"}, peers[0].transport.dataFrames())
	assert.Equal(t, []string{"hi"}, peers[1].transport.dataFrames())
}

func TestBroadcaster_PreservesSenderOrder(t *testing.T) {
	b, _, peers, _ := testRelay(t, 4, BroadcasterOptions{Policy: domain.BroadcastToAll})

	for _, s := range []string{"1", "2", "3"} {
		b.Deliver(context.Background(), textFrom(peers[0], s))
	}

	settle(t, peers, func(int) int { return 3 })
	for _, p := range peers {
		assert.Equal(t, []string{"1", "2", "3"}, p.transport.dataFrames())
	}
}

func TestBroadcaster_SlowClientIsolation(t *testing.T) {
	b, registry, peers, m := testRelay(t, 3, BroadcasterOptions{Policy: domain.BroadcastToOthers})

	slowOpts := testOptions()
	slowOpts.QueueCapacity = 1
	slowOpts.DrainTimeout = 10 * time.Millisecond
	slow := newOpenConnection(t, newBlockingTransport(), slowOpts, m)
	require.NoError(t, registry.Add(slow))

	const rounds = 5
	sawBackpressure := false
	for range rounds {
		report := b.Deliver(context.Background(), textFrom(peers[0], "tick"))
		assert.Equal(t, 3, report.Targets)
		if len(report.Backpressure) > 0 {
			assert.Equal(t, slow.ID(), report.Backpressure[0])
			sawBackpressure = true
		}
		assert.Empty(t, report.Closed)
	}

	require.True(t, sawBackpressure, "slow client should report backpressure")
	assert.Equal(t, domain.StateOpen, slow.State(), "drop policy keeps the connection")

	settle(t, peers[1:], func(int) int { return rounds })
	for _, p := range peers[1:] {
		assert.Len(t, p.transport.dataFrames(), rounds)
	}
	assert.GreaterOrEqual(t, testutil.ToFloat64(m.Deliveries.WithLabelValues(metrics.ResultBackpressure)), 1.0)
}

func TestBroadcaster_DisconnectSlowClient(t *testing.T) {
	b, registry, peers, m := testRelay(t, 2, BroadcasterOptions{
		Policy:     domain.BroadcastToAll,
		SlowPolicy: domain.DisconnectSlow,
	})

	slowOpts := testOptions()
	slowOpts.QueueCapacity = 1
	slowOpts.DrainTimeout = 10 * time.Millisecond
	slow := newOpenConnection(t, newBlockingTransport(), slowOpts, m)
	require.NoError(t, registry.Add(slow))

	for range 4 {
		b.Deliver(context.Background(), textFrom(peers[0], "tick"))
	}

	assert.Eventually(t, func() bool { return slow.State() == domain.StateClosed }, 3*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, testutil.ToFloat64(m.SlowClientsEvicted), 1.0)
	assert.Equal(t, domain.StateOpen, peers[1].conn.State())
}

func TestBroadcaster_ClosedTargetDoesNotAffectOthers(t *testing.T) {
	b, _, peers, _ := testRelay(t, 3, BroadcasterOptions{Policy: domain.BroadcastToOthers})

	peers[1].conn.Close("gone")

	report := b.Deliver(context.Background(), textFrom(peers[0], "after-close"))

	assert.Equal(t, 1, report.Delivered)
	assert.Equal(t, []string{peers[1].conn.ID().String()}, idsToStrings(report.Closed))

	settle(t, peers[2:], func(int) int { return 1 })
	assert.Equal(t, []string{"after-close"}, peers[2].transport.dataFrames())
}

func TestBroadcaster_PublishesToBus(t *testing.T) {
	bus := &mockBus{}
	b, _, peers, _ := testRelay(t, 2, BroadcasterOptions{Policy: domain.BroadcastToOthers, Bus: bus})

	b.Deliver(context.Background(), textFrom(peers[0], "cluster"))

	assert.Equal(t, 1, bus.count())
}

func TestBroadcaster_EchoDoesNotPublish(t *testing.T) {
	bus := &mockBus{}
	b, _, peers, _ := testRelay(t, 1, BroadcasterOptions{Policy: domain.EchoToSender, Bus: bus})

	b.Deliver(context.Background(), textFrom(peers[0], "local"))

	assert.Equal(t, 0, bus.count())
}

func TestBroadcaster_BusFailureKeepsLocalDelivery(t *testing.T) {
	bus := &mockBus{err: errors.New("redis down")}
	b, _, peers, m := testRelay(t, 2, BroadcasterOptions{Policy: domain.BroadcastToAll, Bus: bus})

	report := b.Deliver(context.Background(), textFrom(peers[0], "still-here"))

	assert.Equal(t, 2, report.Delivered)
	assert.InDelta(t, 1, testutil.ToFloat64(m.BusPublishErrors), 0)
}

func TestBroadcaster_DeliverRemote(t *testing.T) {
	b, _, peers, m := testRelay(t, 2, BroadcasterOptions{Policy: domain.BroadcastToOthers, InstanceID: "instance-a"})

	own := domain.Message{Origin: "instance-a", Frame: domain.TextMessage("loop")}
	report := b.DeliverRemote(context.Background(), own)
	assert.Equal(t, 0, report.Targets)

	remote := domain.Message{Origin: "instance-b", Frame: domain.TextMessage("remote")}
	report = b.DeliverRemote(context.Background(), remote)
	assert.Equal(t, 2, report.Delivered)
	assert.InDelta(t, 1, testutil.ToFloat64(m.RemoteMessages), 0)

	settle(t, peers, func(int) int { return 1 })
	for _, p := range peers {
		assert.Equal(t, []string{"remote"}, p.transport.dataFrames())
	}
}

func idsToStrings[T interface{ String() string }](ids []T) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, id.String())
	}
	return out
}
