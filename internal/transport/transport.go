package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"nexus/cli/internal/logging"
	"nexus/cli/internal/protocol"
)

const (
	DefaultURL            = "ws://127.0.0.1:8080"
	DefaultReconnectDelay = 5 * time.Second
	DefaultPollInterval   = 10 * time.Second
	DefaultSettleDelay    = time.Second
)

// ErrBridgeOffline is returned when a frame is sent without an open connection.
var ErrBridgeOffline = errors.New("bridge offline")

type State string

const (
	StateDisconnected State = "DISCONNECTED"
	StateConnecting   State = "CONNECTING"
	StateConnected    State = "CONNECTED"
)

// Event is either a connection state change or an inbound frame.
type Event struct {
	State   State
	Message *protocol.Message
}

type Options struct {
	URL            string
	Dialer         Dialer
	Logger         *slog.Logger
	ReconnectDelay time.Duration
	PollInterval   time.Duration
	SettleDelay    time.Duration
	// OnOpen runs once per successful connect, after SettleDelay.
	OnOpen func(ctx context.Context)
	// Poll replaces the default liveness frame, usually with a correlated STATS request.
	Poll func(ctx context.Context) error
}

// Transport keeps exactly one logical connection to the bridge.
type Transport struct {
	url            string
	dialer         Dialer
	logger         *slog.Logger
	reconnectDelay time.Duration
	pollInterval   time.Duration
	settleDelay    time.Duration
	onOpen         func(ctx context.Context)
	pollFn         func(ctx context.Context) error

	mu      sync.Mutex
	state   State
	sock    Socket
	gen     uint64
	stopped bool
	wg      sync.WaitGroup

	writeMu sync.Mutex

	reconnect Timer
	settle    Timer

	subsMu  sync.RWMutex
	subs    map[uint64]func(Event)
	nextSub uint64
}

func New(opts Options) *Transport {
	t := &Transport{
		url:            strings.TrimSpace(opts.URL),
		dialer:         opts.Dialer,
		logger:         opts.Logger,
		reconnectDelay: opts.ReconnectDelay,
		pollInterval:   opts.PollInterval,
		settleDelay:    opts.SettleDelay,
		onOpen:         opts.OnOpen,
		pollFn:         opts.Poll,
		state:          StateDisconnected,
		subs:           map[uint64]func(Event){},
	}
	if t.url == "" {
		t.url = DefaultURL
	}
	if t.dialer == nil {
		t.dialer = WSDialer{}
	}
	if t.logger == nil {
		t.logger = logging.Discard()
	}
	if t.reconnectDelay <= 0 {
		t.reconnectDelay = DefaultReconnectDelay
	}
	if t.pollInterval <= 0 {
		t.pollInterval = DefaultPollInterval
	}
	if t.settleDelay <= 0 {
		t.settleDelay = DefaultSettleDelay
	}
	return t
}

func (t *Transport) URL() string {
	return t.url
}

// SetOnOpen replaces the post-connect hook. It must be called before Run.
func (t *Transport) SetOnOpen(fn func(ctx context.Context)) {
	t.mu.Lock()
	t.onOpen = fn
	t.mu.Unlock()
}

// SetPoll replaces the liveness check. It must be called before Run.
func (t *Transport) SetPoll(fn func(ctx context.Context) error) {
	t.mu.Lock()
	t.pollFn = fn
	t.mu.Unlock()
}

func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Transport) Connected() bool {
	return t.State() == StateConnected
}

// Subscribe registers fn for every event. fn runs on transport goroutines and must not block.
func (t *Transport) Subscribe(fn func(Event)) (cancel func()) {
	t.subsMu.Lock()
	t.nextSub++
	id := t.nextSub
	t.subs[id] = fn
	t.subsMu.Unlock()
	return func() {
		t.subsMu.Lock()
		delete(t.subs, id)
		t.subsMu.Unlock()
	}
}

// Run connects and polls liveness until ctx is done, then tears the connection down.
func (t *Transport) Run(ctx context.Context) error {
	t.Connect(ctx)
	ticker := time.NewTicker(t.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			t.shutdown()
			return nil
		case <-ticker.C:
			t.poll(ctx)
		}
	}
}

// Connect opens a connection unless one is already open or opening.
func (t *Transport) Connect(ctx context.Context) {
	t.mu.Lock()
	if t.stopped || ctx.Err() != nil || t.state != StateDisconnected {
		t.mu.Unlock()
		return
	}
	t.reconnect.Stop()
	t.state = StateConnecting
	t.gen++
	gen := t.gen
	t.wg.Add(1)
	t.mu.Unlock()

	t.publish(Event{State: StateConnecting})
	go t.dial(ctx, gen)
}

func (t *Transport) Send(ctx context.Context, msg protocol.Message) error {
	t.mu.Lock()
	sock := t.sock
	state := t.state
	t.mu.Unlock()
	if state != StateConnected || sock == nil {
		return ErrBridgeOffline
	}
	raw, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := sock.WriteText(ctx, string(raw)); err != nil {
		return fmt.Errorf("bridge write failed: %w", err)
	}
	return nil
}

func (t *Transport) dial(ctx context.Context, gen uint64) {
	defer t.wg.Done()

	sock, err := t.dialer.Dial(ctx, t.url)
	if err != nil {
		t.logger.Debug("bridge dial failed", "url", t.url, "err", err)
		t.closed(ctx, gen)
		return
	}

	t.mu.Lock()
	if gen != t.gen || t.stopped || ctx.Err() != nil {
		t.mu.Unlock()
		_ = sock.Close()
		return
	}
	t.sock = sock
	t.state = StateConnected
	onOpen := t.onOpen
	t.mu.Unlock()

	t.logger.Info("bridge connected", "url", t.url)
	t.publish(Event{State: StateConnected})
	if onOpen != nil {
		t.settle.Schedule(t.settleDelay, func() { onOpen(ctx) })
	}

	t.readLoop(ctx, sock)
	t.closed(ctx, gen)
}

func (t *Transport) readLoop(ctx context.Context, sock Socket) {
	for {
		text, err := sock.ReadText(ctx)
		if err != nil {
			if ctx.Err() == nil {
				t.logger.Debug("bridge read ended", "err", err)
			}
			return
		}
		msg, err := protocol.Decode([]byte(text))
		if err != nil {
			t.logger.Debug("dropping bridge frame", "err", err)
			continue
		}
		t.publish(Event{Message: &msg})
	}
}

// closed handles both dial errors and connection loss for generation gen.
func (t *Transport) closed(ctx context.Context, gen uint64) {
	t.mu.Lock()
	if gen != t.gen {
		t.mu.Unlock()
		return
	}
	sock := t.sock
	t.sock = nil
	t.state = StateDisconnected
	stopped := t.stopped
	t.mu.Unlock()

	if sock != nil {
		_ = sock.Close()
	}
	t.settle.Stop()
	t.publish(Event{State: StateDisconnected})
	if stopped || ctx.Err() != nil {
		return
	}
	t.logger.Debug("bridge reconnect scheduled", "delay", t.reconnectDelay.String())
	t.reconnect.Schedule(t.reconnectDelay, func() { t.Connect(ctx) })
}

// poll checks the bridge. The default frame carries its own id, so an echoed reply never
// matches a pending request; bridges that do not echo ids need Poll routed through a correlator.
func (t *Transport) poll(ctx context.Context) {
	t.mu.Lock()
	connected := t.state == StateConnected
	fn := t.pollFn
	t.mu.Unlock()
	if !connected {
		return
	}
	if fn != nil {
		if err := fn(ctx); err != nil {
			t.logger.Debug("liveness poll failed", "err", err)
		}
		return
	}
	msg := protocol.Stats()
	msg.ID = "poll-" + uuid.NewString()
	if err := t.Send(ctx, msg); err != nil {
		t.logger.Debug("liveness poll failed", "err", err)
	}
}

func (t *Transport) shutdown() {
	t.mu.Lock()
	t.stopped = true
	sock := t.sock
	t.mu.Unlock()

	t.reconnect.Stop()
	t.settle.Stop()
	if sock != nil {
		_ = sock.Close()
	}
	t.wg.Wait()
	t.reconnect.Stop()
	t.settle.Stop()
}

func (t *Transport) publish(ev Event) {
	t.subsMu.RLock()
	fns := make([]func(Event), 0, len(t.subs))
	for _, fn := range t.subs {
		fns = append(fns, fn)
	}
	t.subsMu.RUnlock()
	for _, fn := range fns {
		fn(ev)
	}
}
