package router

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/rickgao/gatesync/internal/gateway"
	"github.com/rickgao/gatesync/internal/model"
)

func dispatchEnv(t *testing.T, raw string) gateway.Envelope {
	t.Helper()
	env, err := gateway.Decode(gateway.Frame{Kind: gateway.FrameText, Data: []byte(raw)})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return env
}

// collector records events delivered to a handler.
type collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *collector) handle(ev Event) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

func (c *collector) wait(t *testing.T, n int) []Event {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		if len(c.events) >= n {
			out := append([]Event(nil), c.events...)
			c.mu.Unlock()
			return out
		}
		c.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d events", n)
	return nil
}

func startRouter(t *testing.T) Router {
	t.Helper()
	r := NewRouter(DefaultRouterConfig(), slog.Default())
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		r.Stop(ctx)
	})
	return r
}

func TestDefaultRouterConfig(t *testing.T) {
	cfg := DefaultRouterConfig()
	if cfg.InboxSize != 1024 {
		t.Errorf("InboxSize = %d, want 1024", cfg.InboxSize)
	}
	if cfg.InboxLimit != 65536 {
		t.Errorf("InboxLimit = %d, want 65536", cfg.InboxLimit)
	}
}

func TestRouter_StartStop(t *testing.T) {
	r := NewRouter(DefaultRouterConfig(), nil)
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := r.Stop(ctx); err != nil {
		t.Errorf("Stop failed: %v", err)
	}
}

func TestRouter_RoutesByEventType(t *testing.T) {
	r := startRouter(t)

	var ready, created collector
	r.Subscribe(gateway.EventReady, ready.handle)
	r.Subscribe("MESSAGE_CREATE", created.handle)

	r.Dispatch("alpha", dispatchEnv(t, `{"op":0,"s":1,"t":"READY","d":{"session_id":"x"}}`), time.Now())
	r.Dispatch("alpha", dispatchEnv(t, `{"op":0,"s":2,"t":"MESSAGE_CREATE","d":{"id":"m1"}}`), time.Now())

	got := ready.wait(t, 1)
	if got[0].Server != model.ServerID("alpha") || got[0].Seq != 1 {
		t.Errorf("READY event = %+v", got[0])
	}
	got = created.wait(t, 1)
	if string(got[0].Data) != `{"id":"m1"}` {
		t.Errorf("Data = %s", got[0].Data)
	}
}

func TestRouter_PreservesOrder(t *testing.T) {
	r := startRouter(t)

	var all collector
	r.Subscribe(Wildcard, all.handle)

	for i := 1; i <= 200; i++ {
		env := gateway.Envelope{Op: gateway.OpDispatch, T: "TICK"}
		seq := int64(i)
		env.S = &seq
		r.Dispatch("alpha", env, time.Now())
	}

	got := all.wait(t, 200)
	for i, ev := range got {
		if ev.Seq != int64(i+1) {
			t.Fatalf("event %d has seq %d", i, ev.Seq)
		}
	}
}

func TestRouter_Unsubscribe(t *testing.T) {
	r := startRouter(t)

	var c collector
	cancel := r.Subscribe("TICK", c.handle)
	cancel()
	cancel()

	r.Dispatch("alpha", gateway.Envelope{Op: gateway.OpDispatch, T: "TICK"}, time.Now())

	deadline := time.Now().Add(time.Second)
	for r.Stats().EventsUnhandled != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("Stats() = %+v", r.Stats())
		}
		time.Sleep(5 * time.Millisecond)
	}
	if len(c.events) != 0 {
		t.Errorf("unsubscribed handler received %d events", len(c.events))
	}
	if r.Stats().Subscriptions != 0 {
		t.Errorf("Subscriptions = %d", r.Stats().Subscriptions)
	}
}

func TestRouter_HandlerPanicDoesNotStopDelivery(t *testing.T) {
	r := startRouter(t)

	var c collector
	r.Subscribe("TICK", func(Event) { panic("boom") })
	r.Subscribe("TICK", c.handle)

	r.Dispatch("alpha", gateway.Envelope{Op: gateway.OpDispatch, T: "TICK"}, time.Now())
	r.Dispatch("alpha", gateway.Envelope{Op: gateway.OpDispatch, T: "TICK"}, time.Now())

	c.wait(t, 2)
	if got := r.Stats().HandlerPanics; got != 2 {
		t.Errorf("HandlerPanics = %d, want 2", got)
	}
}

func TestRouter_Stats(t *testing.T) {
	r := startRouter(t)

	stats := r.Stats()
	if stats.EventsReceived != 0 || stats.EventsRouted != 0 {
		t.Error("initial stats should be zero")
	}

	var c collector
	r.Subscribe("TICK", c.handle)
	for i := 0; i < 5; i++ {
		r.Dispatch("alpha", gateway.Envelope{Op: gateway.OpDispatch, T: "TICK"}, time.Now())
	}
	c.wait(t, 5)

	stats = r.Stats()
	if stats.EventsReceived != 5 {
		t.Errorf("EventsReceived = %d, want 5", stats.EventsReceived)
	}
	if stats.EventsRouted != 5 {
		t.Errorf("EventsRouted = %d, want 5", stats.EventsRouted)
	}
	if stats.Subscriptions != 1 {
		t.Errorf("Subscriptions = %d, want 1", stats.Subscriptions)
	}
}

func TestRouter_DispatchAfterStopDropped(t *testing.T) {
	r := NewRouter(DefaultRouterConfig(), nil)
	r.Start(context.Background())
	r.Stop(context.Background())

	if r.Dispatch("alpha", gateway.Envelope{Op: gateway.OpDispatch, T: "TICK"}, time.Now()) {
		t.Error("Dispatch after Stop returned true")
	}
	if r.Stats().EventsDropped != 1 {
		t.Errorf("EventsDropped = %d", r.Stats().EventsDropped)
	}
}
