package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/crossgate/crossgate-go/contracts"
	"github.com/google/uuid"
)

// Loopback is an in-process relay network connecting cores in the same
// binary. It attests senders truthfully from the submitted envelope, so
// trust and ordering checks on the receiving side behave exactly as they
// would behind a real relay network. Each core takes its own view of the
// network through Endpoint. Used by tests and local multi-chain setups.
type Loopback struct {
	mu        sync.Mutex
	receivers map[contracts.ChainID]Receiver
	handlers  map[contracts.ChainID]ResultHandler
	closed    bool
	wg        sync.WaitGroup
	logger    *slog.Logger
}

// NewLoopback creates a loopback relay network.
func NewLoopback(logger *slog.Logger) *Loopback {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loopback{
		receivers: make(map[contracts.ChainID]Receiver),
		handlers:  make(map[contracts.ChainID]ResultHandler),
		logger:    logger,
	}
}

// Register wires a receiving core for a chain.
func (l *Loopback) Register(chain contracts.ChainID, r Receiver) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.receivers[chain] = r
}

// Endpoint returns chain's view of the network. Submissions must
// originate from that chain, and delivery results for its envelopes come
// back through the handler the endpoint registers.
func (l *Loopback) Endpoint(chain contracts.ChainID) Client {
	return &loopbackEndpoint{network: l, chain: chain}
}

func (l *Loopback) submit(ctx context.Context, from contracts.ChainID, env contracts.Envelope) (string, error) {
	if env.Channel.SourceChain != from {
		return "", &contracts.TransportError{
			Channel:   env.Channel,
			Nonce:     env.Nonce,
			Retryable: false,
			Err:       fmt.Errorf("envelope source chain %d does not match endpoint chain %d", env.Channel.SourceChain, from),
		}
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return "", &contracts.TransportError{
			Channel:   env.Channel,
			Nonce:     env.Nonce,
			Retryable: false,
			Err:       fmt.Errorf("relay closed"),
		}
	}
	receiver, ok := l.receivers[env.Channel.DestChain]
	l.mu.Unlock()

	if !ok {
		return "", &contracts.TransportError{
			Channel:   env.Channel,
			Nonce:     env.Nonce,
			Retryable: true,
			Err:       fmt.Errorf("no endpoint registered for chain %d", env.Channel.DestChain),
		}
	}

	attemptID := uuid.New().String()
	frame, err := env.Marshal()
	if err != nil {
		return "", &contracts.TransportError{Channel: env.Channel, Nonce: env.Nonce, Retryable: false, Err: err}
	}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.deliver(attemptID, env, receiver, frame)
	}()
	return attemptID, nil
}

func (l *Loopback) deliver(attemptID string, env contracts.Envelope, receiver Receiver, frame []byte) {
	res := Result{
		AttemptID: attemptID,
		Channel:   env.Channel,
		Nonce:     env.Nonce,
		Proof:     []byte("loopback"),
	}

	ack, err := receiver.OnReceive(context.Background(), Delivery{
		Envelope: frame,
		Sender:   env.Channel.SourceApp,
		Proof:    []byte("loopback"),
	})
	if err != nil {
		res.Success = false
		res.Reason = err.Error()
	} else {
		// Protocol-level receipt: the message was delivered even if the
		// application handler on the far side faulted.
		res.Success = true
		if !ack.Handled {
			l.logger.Debug("destination handler faulted",
				"channel", env.Channel.String(),
				"nonce", env.Nonce,
				"error", ack.Error,
			)
		}
	}

	l.mu.Lock()
	handler := l.handlers[env.Channel.SourceChain]
	l.mu.Unlock()
	if handler == nil {
		l.logger.Warn("delivery result dropped, no handler registered",
			"attemptId", attemptID,
			"sourceChain", env.Channel.SourceChain,
		)
		return
	}
	if err := handler(context.Background(), res); err != nil {
		l.logger.Warn("result handler rejected delivery result",
			"attemptId", attemptID,
			"error", err,
		)
	}
}

// Close shuts down the whole network. It waits for in-flight deliveries
// to finish.
func (l *Loopback) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	l.wg.Wait()
	return nil
}

// loopbackEndpoint is one chain's connection to the loopback network.
type loopbackEndpoint struct {
	network *Loopback
	chain   contracts.ChainID
}

// Submit implements Client. Delivery happens on a separate goroutine:
// like a real relay, Submit returns before the destination has seen
// anything.
func (e *loopbackEndpoint) Submit(ctx context.Context, env contracts.Envelope) (string, error) {
	return e.network.submit(ctx, e.chain, env)
}

// Results implements Client.
func (e *loopbackEndpoint) Results(_ context.Context, handler ResultHandler) error {
	if handler == nil {
		return fmt.Errorf("result handler cannot be nil")
	}

	e.network.mu.Lock()
	defer e.network.mu.Unlock()
	if e.network.closed {
		return fmt.Errorf("relay closed")
	}
	e.network.handlers[e.chain] = handler
	return nil
}

// Close implements Client. It detaches this chain from the network;
// other endpoints keep working.
func (e *loopbackEndpoint) Close() error {
	e.network.mu.Lock()
	defer e.network.mu.Unlock()
	delete(e.network.handlers, e.chain)
	delete(e.network.receivers, e.chain)
	return nil
}
