package crossgate_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	crossgate "github.com/crossgate/crossgate-go"
	"github.com/crossgate/crossgate-go/codec"
	"github.com/crossgate/crossgate-go/contracts"
	"github.com/crossgate/crossgate-go/fees"
	"github.com/crossgate/crossgate-go/inbound"
	"github.com/crossgate/crossgate-go/internal/reliability"
	"github.com/crossgate/crossgate-go/relay"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type transfer struct {
	To     string `json:"to"`
	Amount int64  `json:"amount"`
}

func (transfer) PayloadType() string { return "bank.transfer.v1" }

const (
	chainA = contracts.ChainID(1)
	chainB = contracts.ChainID(2)

	appAlice = "0xalice"
	appBob   = "0xbob"

	adminA = "0xadmin-a"
	adminB = "0xadmin-b"
)

// recorder collects the payloads a receiving application handled.
type recorder struct {
	mu   sync.Mutex
	got  []transfer
	fail error
}

func (r *recorder) receive(_ context.Context, _ contracts.ChannelKey, payload codec.Payload) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		err := r.fail
		r.fail = nil
		return err
	}
	tr, ok := payload.(*transfer)
	if !ok {
		return errors.New("unexpected payload type")
	}
	r.got = append(r.got, *tr)
	return nil
}

func (r *recorder) received() []transfer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]transfer(nil), r.got...)
}

type corePair struct {
	a, b *crossgate.Client
	sink *recorder
}

// newCorePair wires two cores over a loopback network: alice on chain 1
// sending transfers to bob on chain 2.
func newCorePair(t *testing.T, options ...crossgate.ClientOption) corePair {
	t.Helper()

	lb := relay.NewLoopback(nil)

	opts := append([]crossgate.ClientOption{
		crossgate.WithRetryPolicy(reliability.None{}),
	}, options...)

	a, err := crossgate.NewClient(chainA, adminA, lb.Endpoint(chainA), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	b, err := crossgate.NewClient(chainB, adminB, lb.Endpoint(chainB), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	require.NoError(t, a.RegisterPayload(transfer{}))
	require.NoError(t, b.RegisterPayload(transfer{}))

	sink := &recorder{}
	require.NoError(t, b.RegisterReceiver(appBob, inbound.ReceiverFunc(sink.receive)))
	lb.Register(chainA, a.Receiver())
	lb.Register(chainB, b.Receiver())

	require.NoError(t, a.SetPricing(chainB, fees.ChainPricing{BaseFee: 10, PerByte: 1, ProtocolFlat: 5}))

	return corePair{a: a, b: b, sink: sink}
}

func outboundKey() contracts.ChannelKey {
	return contracts.ChannelKey{SourceChain: chainA, SourceApp: appAlice, DestChain: chainB, DestApp: appBob}
}

func bindTrust(t *testing.T, p corePair) {
	t.Helper()
	// The sender's registry gates sends on the outbound channel; the
	// receiver's gates accepts on the same key.
	require.NoError(t, p.a.SetTrusted(adminA, outboundKey(), appBob))
	require.NoError(t, p.b.SetTrusted(adminB, outboundKey(), appAlice))
}

func waitForStatus(t *testing.T, c *crossgate.Client, key contracts.ChannelKey, nonce uint64, want contracts.Status) *contracts.Message {
	t.Helper()
	var msg *contracts.Message
	require.Eventually(t, func() bool {
		var err error
		msg, err = c.Status(context.Background(), key, nonce)
		return err == nil && msg.Status == want
	}, 2*time.Second, 10*time.Millisecond, "message %s/%d never reached %s", key, nonce, want)
	return msg
}

func TestClientEndToEnd(t *testing.T) {
	t.Run("send is delivered and handled on the far side", func(t *testing.T) {
		p := newCorePair(t)
		bindTrust(t, p)

		payload := transfer{To: "carol", Amount: 100}
		quote, err := p.a.EstimateFee(context.Background(), chainB, payload, fees.RelayParams{})
		require.NoError(t, err)

		msg, err := p.a.Send(context.Background(), chainB, appAlice, appBob, payload, quote.Total())
		require.NoError(t, err)
		assert.Equal(t, uint64(0), msg.Envelope.Nonce)

		waitForStatus(t, p.a, outboundKey(), 0, contracts.StatusDelivered)
		require.Eventually(t, func() bool {
			return len(p.sink.received()) == 1
		}, time.Second, 10*time.Millisecond)
		assert.Equal(t, payload, p.sink.received()[0])

		released, refunded := p.a.EscrowTotals()
		assert.Equal(t, quote.Total(), released)
		assert.Zero(t, refunded)
	})

	t.Run("channel snapshots report live nonce progress", func(t *testing.T) {
		p := newCorePair(t)
		bindTrust(t, p)

		_, err := p.a.Send(context.Background(), chainB, appAlice, appBob, transfer{Amount: 1}, 1_000)
		require.NoError(t, err)
		waitForStatus(t, p.a, outboundKey(), 0, contracts.StatusDelivered)

		sent, err := p.a.Channel(outboundKey())
		require.NoError(t, err)
		assert.Equal(t, uint64(1), sent.NextOutboundNonce)

		received, err := p.b.Channel(outboundKey())
		require.NoError(t, err)
		assert.Equal(t, uint64(1), received.NextExpectedInboundNonce)

		channels := p.a.Channels()
		require.Len(t, channels, 1)
		assert.Equal(t, uint64(1), channels[0].NextOutboundNonce)
	})

	t.Run("nonces assign sequentially across sends", func(t *testing.T) {
		p := newCorePair(t)
		bindTrust(t, p)

		for i := 0; i < 3; i++ {
			msg, err := p.a.Send(context.Background(), chainB, appAlice, appBob, transfer{Amount: int64(i)}, 1_000)
			require.NoError(t, err)
			assert.Equal(t, uint64(i), msg.Envelope.Nonce)
			waitForStatus(t, p.a, outboundKey(), msg.Envelope.Nonce, contracts.StatusDelivered)
		}

		got := p.sink.received()
		require.Len(t, got, 3)
		for i, tr := range got {
			assert.Equal(t, int64(i), tr.Amount)
		}
	})

	t.Run("insufficient fee is rejected before a nonce is consumed", func(t *testing.T) {
		p := newCorePair(t)
		bindTrust(t, p)

		_, err := p.a.Send(context.Background(), chainB, appAlice, appBob, transfer{Amount: 1}, 1)

		var fundingErr *contracts.FundingError
		require.ErrorAs(t, err, &fundingErr)
		assert.ErrorIs(t, err, contracts.ErrInsufficientFee)

		msg, err := p.a.Send(context.Background(), chainB, appAlice, appBob, transfer{Amount: 1}, 1_000)
		require.NoError(t, err)
		assert.Equal(t, uint64(0), msg.Envelope.Nonce)
	})

	t.Run("send on an unconfigured channel is refused", func(t *testing.T) {
		p := newCorePair(t)
		// No trust bound anywhere.

		_, err := p.a.Send(context.Background(), chainB, appAlice, appBob, transfer{Amount: 1}, 1_000)
		assert.ErrorIs(t, err, contracts.ErrChannelUnconfigured)
	})

	t.Run("receiver that trusts nobody fails the delivery", func(t *testing.T) {
		p := newCorePair(t)
		// Sender side configured, receiver side not.
		require.NoError(t, p.a.SetTrusted(adminA, outboundKey(), appBob))

		_, err := p.a.Send(context.Background(), chainB, appAlice, appBob, transfer{Amount: 1}, 1_000)
		require.NoError(t, err)

		msg := waitForStatus(t, p.a, outboundKey(), 0, contracts.StatusFailed)
		assert.Contains(t, msg.LastError, "not the trusted remote")
		assert.Empty(t, p.sink.received())
	})

	t.Run("handler fault parks inbound but the channel keeps moving", func(t *testing.T) {
		p := newCorePair(t)
		bindTrust(t, p)
		p.sink.fail = errors.New("ledger write refused")

		_, err := p.a.Send(context.Background(), chainB, appAlice, appBob, transfer{Amount: 1}, 1_000)
		require.NoError(t, err)

		// Protocol receipt still comes back: the sender sees delivered.
		waitForStatus(t, p.a, outboundKey(), 0, contracts.StatusDelivered)
		require.Eventually(t, func() bool {
			return len(p.b.FailedInbound(outboundKey())) == 1
		}, time.Second, 10*time.Millisecond)

		// The faulted nonce does not wedge the channel.
		_, err = p.a.Send(context.Background(), chainB, appAlice, appBob, transfer{Amount: 2}, 1_000)
		require.NoError(t, err)
		waitForStatus(t, p.a, outboundKey(), 1, contracts.StatusDelivered)
		require.Eventually(t, func() bool {
			return len(p.sink.received()) == 1
		}, time.Second, 10*time.Millisecond)

		// An operator retry re-drives the parked message.
		require.NoError(t, p.b.RetryFailed(context.Background(), adminB, outboundKey(), 0))
		assert.Empty(t, p.b.FailedInbound(outboundKey()))
		got := p.sink.received()
		require.Len(t, got, 2)
		assert.Equal(t, int64(1), got[1].Amount)
	})

	t.Run("force skip refunds a message the relay could not deliver", func(t *testing.T) {
		lb := relay.NewLoopback(nil)
		// Chain 2 never registers a receiver, so the submission parks as
		// failed immediately with retries disabled.
		a, err := crossgate.NewClient(chainA, adminA, lb.Endpoint(chainA),
			crossgate.WithRetryPolicy(reliability.None{}))
		require.NoError(t, err)
		t.Cleanup(func() { _ = a.Close() })

		require.NoError(t, a.RegisterPayload(transfer{}))
		require.NoError(t, a.SetTrusted(adminA, outboundKey(), appBob))
		require.NoError(t, a.SetPricing(chainB, fees.ChainPricing{BaseFee: 1}))

		msg, err := a.Send(context.Background(), chainB, appAlice, appBob, transfer{Amount: 1}, 100)
		require.NoError(t, err)

		// Delivery fails (no receiver on chain 2); skip it and check the
		// refund reaches the ledger.
		waitForStatus(t, a, outboundKey(), msg.Envelope.Nonce, contracts.StatusFailed)
		require.NoError(t, a.ForceSkip(context.Background(), adminA, outboundKey(), msg.Envelope.Nonce))

		released, refunded := a.EscrowTotals()
		assert.Zero(t, released)
		assert.Equal(t, int64(100), refunded)
	})
}

func TestClientValidation(t *testing.T) {
	lb := relay.NewLoopback(nil)

	t.Run("rejects zero chain id", func(t *testing.T) {
		_, err := crossgate.NewClient(0, adminA, lb.Endpoint(0))
		assert.Error(t, err)
	})

	t.Run("rejects empty owner", func(t *testing.T) {
		_, err := crossgate.NewClient(chainA, "", lb.Endpoint(chainA))
		assert.Error(t, err)
	})

	t.Run("rejects nil relay client", func(t *testing.T) {
		_, err := crossgate.NewClient(chainA, adminA, nil)
		assert.Error(t, err)
	})
}
