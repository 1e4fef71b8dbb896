package transport

import (
	"context"
	"errors"
	"io"
	"sync"
)

var errFakeSocketClosed = errors.New("fake socket closed")

// FakeSocket is an in-memory Socket. Frames written by the client are recorded and can be
// answered through an OnWrite hook; EmitText injects inbound frames.
type FakeSocket struct {
	readCh    chan string
	closed    chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	written []string
	onWrite func(string)
}

func NewFakeSocket() *FakeSocket {
	return &FakeSocket{
		readCh: make(chan string, 64),
		closed: make(chan struct{}),
	}
}

func (f *FakeSocket) OnWrite(fn func(string)) {
	f.mu.Lock()
	f.onWrite = fn
	f.mu.Unlock()
}

func (f *FakeSocket) EmitText(text string) {
	select {
	case <-f.closed:
	case f.readCh <- text:
	}
}

func (f *FakeSocket) ReadText(ctx context.Context) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-f.closed:
		return "", io.EOF
	case text := <-f.readCh:
		return text, nil
	}
}

func (f *FakeSocket) WriteText(ctx context.Context, text string) error {
	select {
	case <-f.closed:
		return errFakeSocketClosed
	default:
	}
	f.mu.Lock()
	f.written = append(f.written, text)
	hook := f.onWrite
	f.mu.Unlock()
	if hook != nil {
		hook(text)
	}
	return nil
}

func (f *FakeSocket) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *FakeSocket) Closed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

func (f *FakeSocket) Written() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.written))
	copy(out, f.written)
	return out
}

// FakeDialer hands out a fresh FakeSocket per dial. Prepare runs before the socket is returned.
type FakeDialer struct {
	Prepare func(*FakeSocket)
	Err     error

	mu      sync.Mutex
	sockets []*FakeSocket
	dials   int
}

func (d *FakeDialer) Dial(ctx context.Context, url string) (Socket, error) {
	d.mu.Lock()
	d.dials++
	err := d.Err
	d.mu.Unlock()
	if err != nil {
		return nil, err
	}
	s := NewFakeSocket()
	if d.Prepare != nil {
		d.Prepare(s)
	}
	d.mu.Lock()
	d.sockets = append(d.sockets, s)
	d.mu.Unlock()
	return s, nil
}

func (d *FakeDialer) SetErr(err error) {
	d.mu.Lock()
	d.Err = err
	d.mu.Unlock()
}

func (d *FakeDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *FakeDialer) Last() *FakeSocket {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.sockets) == 0 {
		return nil
	}
	return d.sockets[len(d.sockets)-1]
}
