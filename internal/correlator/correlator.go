package correlator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"nexus/cli/internal/logging"
	"nexus/cli/internal/protocol"
	"nexus/cli/internal/transport"
)

const DefaultTimeout = 90 * time.Second

// PollTimeout bounds a liveness STATS request.
const PollTimeout = 5 * time.Second

// ErrTimeout is returned when no matching response arrives in time.
var ErrTimeout = errors.New("bridge communication timeout")

// Link is the part of the transport the correlator relies on.
type Link interface {
	Send(ctx context.Context, msg protocol.Message) error
	Connected() bool
	Subscribe(fn func(transport.Event)) (cancel func())
}

type Options struct {
	Timeout time.Duration
	Logger  *slog.Logger
	NewID   func() string
}

type outcome struct {
	msg protocol.Message
	err error
}

type pending struct {
	id     string
	expect protocol.Kind
	seq    uint64
	ch     chan outcome
}

// Correlator turns the transport's broadcast stream into request/response pairs. Responses are
// matched by the echoed id; frames without an id resolve the oldest request expecting that kind.
// At most one request per outbound kind is in flight.
type Correlator struct {
	link    Link
	timeout time.Duration
	logger  *slog.Logger
	newID   func() string
	detach  func()

	mu      sync.Mutex
	pending map[string]*pending
	seq     uint64
	slots   map[protocol.Kind]*semaphore.Weighted
}

func New(link Link, opts Options) *Correlator {
	c := &Correlator{
		link:    link,
		timeout: opts.Timeout,
		logger:  opts.Logger,
		newID:   opts.NewID,
		pending: map[string]*pending{},
		slots:   map[protocol.Kind]*semaphore.Weighted{},
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	if c.logger == nil {
		c.logger = logging.Discard()
	}
	if c.newID == nil {
		c.newID = func() string { return uuid.NewString() }
	}
	c.detach = link.Subscribe(c.handle)
	return c
}

// Close stops listening to the transport.
func (c *Correlator) Close() {
	if c.detach != nil {
		c.detach()
	}
}

// Request sends msg and waits for its response. timeout <= 0 uses the default.
func (c *Correlator) Request(ctx context.Context, msg protocol.Message, timeout time.Duration) (protocol.Message, error) {
	expect, ok := protocol.ResponseKind(msg.Type)
	if !ok {
		return protocol.Message{}, fmt.Errorf("unsupported request kind %q", msg.Type)
	}
	if !c.link.Connected() {
		return protocol.Message{}, transport.ErrBridgeOffline
	}
	if timeout <= 0 {
		timeout = c.timeout
	}

	slot := c.slot(msg.Type)
	if err := slot.Acquire(ctx, 1); err != nil {
		return protocol.Message{}, err
	}
	defer slot.Release(1)
	if !c.link.Connected() {
		return protocol.Message{}, transport.ErrBridgeOffline
	}

	p := c.register(expect)
	defer c.remove(p.id)
	msg.ID = p.id
	if err := c.link.Send(ctx, msg); err != nil {
		return protocol.Message{}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case out := <-p.ch:
		return out.msg, out.err
	case <-timer.C:
		c.logger.Warn("bridge request timed out", "id", p.id, "kind", string(msg.Type), "timeout", timeout.String())
		return protocol.Message{}, fmt.Errorf("%w (%s)", ErrTimeout, timeout)
	case <-ctx.Done():
		return protocol.Message{}, ctx.Err()
	}
}

type Result struct {
	Success bool
	Output  string
}

func (c *Correlator) Execute(ctx context.Context, command string) (Result, error) {
	res, err := c.Request(ctx, protocol.Execute(command), 0)
	if err != nil {
		return Result{}, err
	}
	return Result{Success: res.Success, Output: res.Output}, nil
}

func (c *Correlator) Stats(ctx context.Context) (protocol.Message, error) {
	return c.Request(ctx, protocol.Stats(), 0)
}

// Poll sends a liveness STATS request through the STATS slot, so it never races a caller's Stats.
func (c *Correlator) Poll(ctx context.Context) error {
	_, err := c.Request(ctx, protocol.Stats(), PollTimeout)
	return err
}

func (c *Correlator) Ping(ctx context.Context) error {
	_, err := c.Request(ctx, protocol.Ping(), 0)
	return err
}

// Pending reports the number of registered, unresolved requests.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Correlator) slot(kind protocol.Kind) *semaphore.Weighted {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.slots[kind]
	if !ok {
		s = semaphore.NewWeighted(1)
		c.slots[kind] = s
	}
	return s
}

func (c *Correlator) register(expect protocol.Kind) *pending {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	p := &pending{
		id:     c.newID(),
		expect: expect,
		seq:    c.seq,
		ch:     make(chan outcome, 1),
	}
	c.pending[p.id] = p
	return p
}

func (c *Correlator) remove(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Correlator) handle(ev transport.Event) {
	if ev.State == transport.StateDisconnected {
		c.failAll(fmt.Errorf("%w: connection lost", transport.ErrBridgeOffline))
		return
	}
	if ev.Message == nil || !protocol.IsResponse(ev.Message.Type) {
		return
	}
	if !c.resolve(*ev.Message) {
		c.logger.Debug("unmatched bridge response", "id", ev.Message.ID, "kind", string(ev.Message.Type))
	}
}

func (c *Correlator) resolve(msg protocol.Message) bool {
	c.mu.Lock()
	var target *pending
	if msg.ID != "" {
		if p, ok := c.pending[msg.ID]; ok && p.expect == msg.Type {
			target = p
		}
	} else {
		for _, p := range c.pending {
			if p.expect != msg.Type {
				continue
			}
			if target == nil || p.seq < target.seq {
				target = p
			}
		}
	}
	if target != nil {
		delete(c.pending, target.id)
	}
	c.mu.Unlock()

	if target == nil {
		return false
	}
	target.ch <- outcome{msg: msg}
	return true
}

func (c *Correlator) failAll(err error) {
	c.mu.Lock()
	targets := make([]*pending, 0, len(c.pending))
	for id, p := range c.pending {
		targets = append(targets, p)
		delete(c.pending, id)
	}
	c.mu.Unlock()
	for _, p := range targets {
		p.ch <- outcome{err: err}
	}
}
