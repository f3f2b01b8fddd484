package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/crossgate/crossgate-go/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEnvelope() contracts.Envelope {
	key := contracts.ChannelKey{SourceChain: 1, SourceApp: "0xlocal", DestChain: 2, DestApp: "0xremote"}
	return contracts.NewEnvelope(key, []byte("payload"))
}

type stubReceiver struct {
	mu   sync.Mutex
	got  []Delivery
	ack  contracts.Ack
	fail error
}

func (r *stubReceiver) OnReceive(_ context.Context, d Delivery) (contracts.Ack, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, d)
	if r.fail != nil {
		return contracts.Ack{}, r.fail
	}
	return r.ack, nil
}

type resultSink struct {
	mu      sync.Mutex
	results []Result
}

func (s *resultSink) handle(_ context.Context, res Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, res)
	return nil
}

func (s *resultSink) wait(t *testing.T, n int) []Result {
	t.Helper()
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.results) >= n
	}, time.Second, 5*time.Millisecond)

	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Result(nil), s.results...)
}

func TestLoopback(t *testing.T) {
	t.Run("delivers to the registered chain and reports success", func(t *testing.T) {
		lb := NewLoopback(nil)
		receiver := &stubReceiver{ack: contracts.Ack{Handled: true}}
		lb.Register(2, receiver)
		sender := lb.Endpoint(1)
		sink := &resultSink{}
		require.NoError(t, sender.Results(context.Background(), sink.handle))

		env := testEnvelope()
		attemptID, err := sender.Submit(context.Background(), env)
		require.NoError(t, err)
		require.NotEmpty(t, attemptID)

		results := sink.wait(t, 1)
		assert.Equal(t, attemptID, results[0].AttemptID)
		assert.True(t, results[0].Success)
		assert.Equal(t, env.Nonce, results[0].Nonce)

		receiver.mu.Lock()
		defer receiver.mu.Unlock()
		require.Len(t, receiver.got, 1)
		assert.Equal(t, "0xlocal", receiver.got[0].Sender)
	})

	t.Run("receiver rejection becomes a failed result", func(t *testing.T) {
		lb := NewLoopback(nil)
		receiver := &stubReceiver{fail: errors.New("nonce mismatch")}
		lb.Register(2, receiver)
		sender := lb.Endpoint(1)
		sink := &resultSink{}
		require.NoError(t, sender.Results(context.Background(), sink.handle))

		_, err := sender.Submit(context.Background(), testEnvelope())
		require.NoError(t, err)

		results := sink.wait(t, 1)
		assert.False(t, results[0].Success)
		assert.Contains(t, results[0].Reason, "nonce mismatch")
	})

	t.Run("handler fault on the far side still counts as delivered", func(t *testing.T) {
		lb := NewLoopback(nil)
		receiver := &stubReceiver{ack: contracts.Ack{Handled: false, Error: "handler fault"}}
		lb.Register(2, receiver)
		sender := lb.Endpoint(1)
		sink := &resultSink{}
		require.NoError(t, sender.Results(context.Background(), sink.handle))

		_, err := sender.Submit(context.Background(), testEnvelope())
		require.NoError(t, err)

		results := sink.wait(t, 1)
		assert.True(t, results[0].Success)
	})

	t.Run("results route to the submitting chain's handler", func(t *testing.T) {
		lb := NewLoopback(nil)
		lb.Register(2, &stubReceiver{ack: contracts.Ack{Handled: true}})

		sink1 := &resultSink{}
		sink3 := &resultSink{}
		require.NoError(t, lb.Endpoint(1).Results(context.Background(), sink1.handle))
		require.NoError(t, lb.Endpoint(3).Results(context.Background(), sink3.handle))

		_, err := lb.Endpoint(1).Submit(context.Background(), testEnvelope())
		require.NoError(t, err)

		sink1.wait(t, 1)
		sink3.mu.Lock()
		defer sink3.mu.Unlock()
		assert.Empty(t, sink3.results)
	})

	t.Run("endpoint refuses envelopes from another chain", func(t *testing.T) {
		lb := NewLoopback(nil)
		lb.Register(2, &stubReceiver{})

		_, err := lb.Endpoint(3).Submit(context.Background(), testEnvelope())

		var transportErr *contracts.TransportError
		require.ErrorAs(t, err, &transportErr)
		assert.False(t, transportErr.IsRetryable())
	})

	t.Run("unregistered chain is a retryable transport error", func(t *testing.T) {
		lb := NewLoopback(nil)

		_, err := lb.Endpoint(1).Submit(context.Background(), testEnvelope())

		var transportErr *contracts.TransportError
		require.ErrorAs(t, err, &transportErr)
		assert.True(t, transportErr.IsRetryable())
	})

	t.Run("closed network refuses submissions", func(t *testing.T) {
		lb := NewLoopback(nil)
		lb.Register(2, &stubReceiver{})
		sender := lb.Endpoint(1)
		require.NoError(t, lb.Close())

		_, err := sender.Submit(context.Background(), testEnvelope())

		var transportErr *contracts.TransportError
		require.ErrorAs(t, err, &transportErr)
		assert.False(t, transportErr.IsRetryable())
	})

	t.Run("closing an endpoint detaches only that chain", func(t *testing.T) {
		lb := NewLoopback(nil)
		lb.Register(2, &stubReceiver{ack: contracts.Ack{Handled: true}})
		sender := lb.Endpoint(1)
		sink := &resultSink{}
		require.NoError(t, sender.Results(context.Background(), sink.handle))

		require.NoError(t, lb.Endpoint(3).Close())

		_, err := sender.Submit(context.Background(), testEnvelope())
		require.NoError(t, err)
		sink.wait(t, 1)
	})
}
