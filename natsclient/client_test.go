package natsclient

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/vitalstream/testutil"
)

// unreachableURL points at a port nothing listens on, so dials fail fast
// with connection refused.
const unreachableURL = "nats://127.0.0.1:1"

func connectedClient(t *testing.T) *Client {
	t.Helper()
	url := testutil.StartJetStream(t)

	client, err := NewClient(url, WithName("vitalstream-test"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, client.Connect(ctx))

	t.Cleanup(func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer closeCancel()
		_ = client.Close(closeCtx)
	})
	return client
}

func TestConnectAndStatus(t *testing.T) {
	client := connectedClient(t)

	assert.Equal(t, StatusConnected, client.Status())
	assert.True(t, client.IsHealthy())
	assert.Equal(t, int32(0), client.Failures())

	rtt, err := client.RTT()
	require.NoError(t, err)
	assert.Positive(t, rtt)

	status := client.GetStatus()
	assert.Equal(t, StatusConnected, status.Status)
}

func TestConnectFailureIsTransient(t *testing.T) {
	client, err := NewClient(unreachableURL, WithTimeout(200*time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = client.Connect(ctx)
	require.Error(t, err)
	assert.Equal(t, int32(1), client.Failures())
	assert.Equal(t, StatusDisconnected, client.Status())
}

func TestCircuitOpensAfterRepeatedFailures(t *testing.T) {
	client, err := NewClient(unreachableURL,
		WithTimeout(200*time.Millisecond),
		WithCircuitBreakerThreshold(3),
		WithMaxBackoff(time.Minute),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// The first two failures leave the circuit closed; the third trips it.
	require.Error(t, client.Connect(ctx))
	require.Error(t, client.Connect(ctx))
	err = client.Connect(ctx)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, StatusCircuitOpen, client.Status())

	// While open, attempts are rejected without dialing.
	start := time.Now()
	assert.ErrorIs(t, client.Connect(ctx), ErrCircuitOpen)
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	assert.Equal(t, int32(3), client.Failures())
	assert.GreaterOrEqual(t, client.Backoff(), 2*time.Second, "backoff doubled on trip")
}

func TestCircuitResetsOnSuccessfulConnect(t *testing.T) {
	url := testutil.StartJetStream(t)

	client, err := NewClient(url, WithCircuitBreakerThreshold(10))
	require.NoError(t, err)

	// Seed some failures below the threshold, then connect for real.
	client.recordFailure()
	client.recordFailure()
	require.Equal(t, int32(2), client.Failures())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, client.Connect(ctx))
	defer func() { _ = client.Close(context.Background()) }()

	assert.Equal(t, int32(0), client.Failures())
	assert.Equal(t, time.Second, client.Backoff())
}

func TestPublishRequiresConnection(t *testing.T) {
	client, err := NewClient(unreachableURL)
	require.NoError(t, err)

	err = client.Publish(context.Background(), "test.subject", []byte("data"))
	assert.ErrorIs(t, err, ErrNotConnected)

	_, err = client.RTT()
	assert.ErrorIs(t, err, ErrNotConnected)

	_, err = client.JetStream()
	assert.Error(t, err)
}

func TestPublishAsyncRoundTrip(t *testing.T) {
	client := connectedClient(t)
	ctx := context.Background()

	_, err := client.EnsureStream(ctx, jetstream.StreamConfig{
		Name:     "VS_TEST",
		Subjects: []string{"test.>"},
	})
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		_, err := client.PublishAsync("test.p1", []byte("payload"))
		require.NoError(t, err)
	}

	assert.True(t, client.FlushAsync(5*time.Second), "acks should arrive")
	assert.Equal(t, 0, client.AsyncPending())
}

func TestPullConsumerFetch(t *testing.T) {
	client := connectedClient(t)
	ctx := context.Background()

	_, err := client.EnsureStream(ctx, jetstream.StreamConfig{
		Name:     "VS_FETCH",
		Subjects: []string{"fetch.>"},
	})
	require.NoError(t, err)

	want := []string{"one", "two", "three"}
	for _, payload := range want {
		_, err := client.PublishAsync("fetch.p1", []byte(payload))
		require.NoError(t, err)
	}
	require.True(t, client.FlushAsync(5*time.Second))

	consumer, err := client.PullConsumer(ctx, "VS_FETCH", jetstream.ConsumerConfig{
		Durable:       "fetch_test",
		FilterSubject: "fetch.>",
		DeliverPolicy: jetstream.DeliverAllPolicy,
		AckPolicy:     jetstream.AckExplicitPolicy,
	})
	require.NoError(t, err)

	batch, err := consumer.Fetch(10, jetstream.FetchMaxWait(time.Second))
	require.NoError(t, err)

	var got []string
	for msg := range batch.Messages() {
		got = append(got, string(msg.Data()))
		require.NoError(t, msg.Ack())
	}
	assert.Equal(t, want, got)
}

func TestCloseIdempotent(t *testing.T) {
	url := testutil.StartJetStream(t)

	client, err := NewClient(url)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, client.Connect(ctx))

	require.NoError(t, client.Close(ctx))
	require.NoError(t, client.Close(ctx))

	assert.Equal(t, StatusDisconnected, client.Status())
	err = client.Publish(context.Background(), "test", []byte("x"))
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestWaitForConnection(t *testing.T) {
	client, err := NewClient(unreachableURL)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	assert.Error(t, client.WaitForConnection(ctx), "never connects, so the wait times out")
}

func TestHealthChangeCallback(t *testing.T) {
	url := testutil.StartJetStream(t)

	client, err := NewClient(url)
	require.NoError(t, err)

	healthy := make(chan bool, 1)
	client.OnHealthChange(func(up bool) {
		select {
		case healthy <- up:
		default:
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, client.Connect(ctx))
	defer func() { _ = client.Close(context.Background()) }()

	select {
	case up := <-healthy:
		assert.True(t, up)
	case <-time.After(time.Second):
		t.Fatal("health callback never fired")
	}
}

func TestConnectionStatusString(t *testing.T) {
	assert.Equal(t, "disconnected", StatusDisconnected.String())
	assert.Equal(t, "connecting", StatusConnecting.String())
	assert.Equal(t, "connected", StatusConnected.String())
	assert.Equal(t, "reconnecting", StatusReconnecting.String())
	assert.Equal(t, "circuit_open", StatusCircuitOpen.String())
	assert.Equal(t, "unknown", ConnectionStatus(99).String())
}
