package correlator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"nexus/cli/internal/protocol"
	"nexus/cli/internal/transport"
)

type responder func(req protocol.Message) (protocol.Message, bool)

func answer(fn responder) func(*transport.FakeSocket) {
	return func(s *transport.FakeSocket) {
		s.OnWrite(func(text string) {
			req, err := protocol.Decode([]byte(text))
			if err != nil {
				return
			}
			resp, ok := fn(req)
			if !ok {
				return
			}
			raw, _ := protocol.Encode(resp)
			s.EmitText(string(raw))
		})
	}
}

func echoResult(output string) responder {
	return func(req protocol.Message) (protocol.Message, bool) {
		if req.Type != protocol.KindExecute {
			return protocol.Message{}, false
		}
		return protocol.Message{ID: req.ID, Type: protocol.KindResult, Success: true, Output: output}, true
	}
}

func startLinked(t *testing.T, dialer *transport.FakeDialer, opts Options) (*Correlator, *transport.Transport) {
	t.Helper()
	tr := transport.New(transport.Options{Dialer: dialer})
	c := New(tr, opts)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = tr.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		c.Close()
	})
	deadline := time.Now().Add(2 * time.Second)
	for !tr.Connected() {
		if time.Now().After(deadline) {
			t.Fatal("transport did not connect")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return c, tr
}

func TestRequest_DisconnectedRejectsWithoutTraffic(t *testing.T) {
	dialer := &transport.FakeDialer{}
	tr := transport.New(transport.Options{Dialer: dialer})
	c := New(tr, Options{})
	defer c.Close()

	_, err := c.Execute(context.Background(), "whoami")
	if !errors.Is(err, transport.ErrBridgeOffline) {
		t.Fatalf("expected ErrBridgeOffline, got %v", err)
	}
	if dialer.Dials() != 0 || dialer.Last() != nil {
		t.Fatal("expected no socket traffic")
	}
	if c.Pending() != 0 {
		t.Fatalf("expected no pending requests, got %d", c.Pending())
	}
}

func TestExecute_ResolvesByEchoedID(t *testing.T) {
	dialer := &transport.FakeDialer{Prepare: answer(echoResult(`host\user`))}
	c, _ := startLinked(t, dialer, Options{})

	res, err := c.Execute(context.Background(), "whoami")
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if !res.Success || res.Output != `host\user` {
		t.Fatalf("unexpected result: %+v", res)
	}
	if c.Pending() != 0 {
		t.Fatalf("expected listener removed, got %d pending", c.Pending())
	}
}

func TestExecute_LegacyPeerWithoutIDResolvesByKind(t *testing.T) {
	dialer := &transport.FakeDialer{Prepare: answer(func(req protocol.Message) (protocol.Message, bool) {
		return protocol.Message{Type: protocol.KindResult, Success: false, Output: "not found"}, true
	})}
	c, _ := startLinked(t, dialer, Options{})

	res, err := c.Execute(context.Background(), "bad-cmd")
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if res.Success || res.Output != "not found" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestRequest_TimeoutRemovesListener(t *testing.T) {
	var mode atomic.Int32
	var lastID atomic.Value
	dialer := &transport.FakeDialer{Prepare: answer(func(req protocol.Message) (protocol.Message, bool) {
		lastID.Store(req.ID)
		if mode.Load() == 0 {
			return protocol.Message{}, false
		}
		return protocol.Message{ID: req.ID, Type: protocol.KindResult, Success: true, Output: "fresh"}, true
	})}
	c, _ := startLinked(t, dialer, Options{})

	_, err := c.Request(context.Background(), protocol.Execute("sleep 100"), 30*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if c.Pending() != 0 {
		t.Fatalf("expected listener removed after timeout, got %d", c.Pending())
	}

	staleID, _ := lastID.Load().(string)
	sock := dialer.Last()
	sock.EmitText(`{"id":"` + staleID + `","type":"RESULT","success":true,"output":"stale"}`)
	sock.EmitText(`{"type":"RESULT","success":true,"output":"stale-legacy"}`)
	time.Sleep(20 * time.Millisecond)

	mode.Store(1)
	res, err := c.Execute(context.Background(), "echo fresh")
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if res.Output != "fresh" {
		t.Fatalf("late response resolved a later request: %+v", res)
	}
}

func TestRequest_DoesNotResolveOnOtherKind(t *testing.T) {
	dialer := &transport.FakeDialer{Prepare: answer(func(req protocol.Message) (protocol.Message, bool) {
		if req.Type != protocol.KindExecute {
			return protocol.Message{}, false
		}
		return protocol.Message{Type: protocol.KindStatsResult, Output: "8 GB free", Platform: "Windows"}, true
	})}
	c, _ := startLinked(t, dialer, Options{})

	_, err := c.Request(context.Background(), protocol.Execute("whoami"), 40*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("STATS_RESULT must not resolve an EXECUTE, got %v", err)
	}
}

func TestRequest_FailsPendingOnDisconnect(t *testing.T) {
	dialer := &transport.FakeDialer{}
	c, _ := startLinked(t, dialer, Options{})

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Execute(context.Background(), "long-running")
		errCh <- err
	}()
	deadline := time.Now().Add(time.Second)
	for c.Pending() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("request never registered")
		}
		time.Sleep(2 * time.Millisecond)
	}
	dialer.Last().Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, transport.ErrBridgeOffline) {
			t.Fatalf("expected ErrBridgeOffline, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("pending request was not failed on disconnect")
	}
}

func TestRequest_SingleFlightPerKind(t *testing.T) {
	var inflight, maxInflight atomic.Int32
	var sockMu sync.Mutex
	dialer := &transport.FakeDialer{}
	dialer.Prepare = func(s *transport.FakeSocket) {
		s.OnWrite(func(text string) {
			req, err := protocol.Decode([]byte(text))
			if err != nil || req.Type != protocol.KindExecute {
				return
			}
			n := inflight.Add(1)
			if n > maxInflight.Load() {
				maxInflight.Store(n)
			}
			go func() {
				time.Sleep(15 * time.Millisecond)
				inflight.Add(-1)
				sockMu.Lock()
				defer sockMu.Unlock()
				raw, _ := protocol.Encode(protocol.Message{ID: req.ID, Type: protocol.KindResult, Success: true, Output: req.Command})
				s.EmitText(string(raw))
			}()
		})
	}
	c, _ := startLinked(t, dialer, Options{})

	var wg sync.WaitGroup
	outputs := make([]string, 3)
	for i, cmd := range []string{"a", "b", "c"} {
		wg.Add(1)
		go func(i int, cmd string) {
			defer wg.Done()
			res, err := c.Execute(context.Background(), cmd)
			if err != nil {
				t.Errorf("execute %s failed: %v", cmd, err)
				return
			}
			outputs[i] = res.Output
		}(i, cmd)
	}
	wg.Wait()

	if maxInflight.Load() != 1 {
		t.Fatalf("expected one EXECUTE in flight at a time, saw %d", maxInflight.Load())
	}
	for i, want := range []string{"a", "b", "c"} {
		if outputs[i] != want {
			t.Fatalf("request %d resolved with %q, want %q", i, outputs[i], want)
		}
	}
}

func TestStats_UsesOwnSlotAndKind(t *testing.T) {
	dialer := &transport.FakeDialer{Prepare: answer(func(req protocol.Message) (protocol.Message, bool) {
		switch req.Type {
		case protocol.KindStats:
			return protocol.Message{ID: req.ID, Type: protocol.KindStatsResult, Output: "8 GB free", Platform: "linux"}, true
		case protocol.KindPing:
			return protocol.Message{ID: req.ID, Type: protocol.KindPong}, true
		}
		return protocol.Message{}, false
	})}
	c, _ := startLinked(t, dialer, Options{})

	stats, err := c.Stats(context.Background())
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	if stats.Platform != "linux" || stats.Output != "8 GB free" {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if err := c.Ping(context.Background()); err != nil {
		t.Fatalf("ping failed: %v", err)
	}
}

func TestPoll_SharesStatsSlotWithLegacyPeer(t *testing.T) {
	var statsFrames atomic.Int32
	var sockMu sync.Mutex
	dialer := &transport.FakeDialer{}
	dialer.Prepare = func(s *transport.FakeSocket) {
		s.OnWrite(func(text string) {
			req, err := protocol.Decode([]byte(text))
			if err != nil || req.Type != protocol.KindStats {
				return
			}
			statsFrames.Add(1)
			go func() {
				time.Sleep(15 * time.Millisecond)
				sockMu.Lock()
				defer sockMu.Unlock()
				raw, _ := protocol.Encode(protocol.Message{Type: protocol.KindStatsResult, Output: "4 GB free", Platform: "linux"})
				s.EmitText(string(raw))
			}()
		})
	}
	c, _ := startLinked(t, dialer, Options{Timeout: time.Second})

	var wg sync.WaitGroup
	var statsErr, pollErr error
	var stats protocol.Message
	wg.Add(2)
	go func() {
		defer wg.Done()
		stats, statsErr = c.Stats(context.Background())
	}()
	go func() {
		defer wg.Done()
		pollErr = c.Poll(context.Background())
	}()
	wg.Wait()

	if statsErr != nil || pollErr != nil {
		t.Fatalf("stats err %v, poll err %v", statsErr, pollErr)
	}
	if stats.Platform != "linux" {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if n := statsFrames.Load(); n != 2 {
		t.Fatalf("expected 2 STATS frames, got %d", n)
	}
	if c.Pending() != 0 {
		t.Fatalf("expected no pending requests, got %d", c.Pending())
	}
}
