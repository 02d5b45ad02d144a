package netstate

import (
	"testing"
	"time"
)

func next(t *testing.T, ch <-chan Change) Change {
	t.Helper()
	select {
	case c := <-ch:
		return c
	case <-time.After(time.Second):
		t.Fatal("no change delivered")
		return Change{}
	}
}

func TestState_Defaults(t *testing.T) {
	s := New()
	if !s.Online() || !s.Foreground() {
		t.Errorf("Online() = %v, Foreground() = %v", s.Online(), s.Foreground())
	}
}

func TestState_NotifiesOnFlip(t *testing.T) {
	s := New()
	ch, cancel := s.Subscribe()
	defer cancel()

	s.SetOnline(true) // no flip
	s.SetOnline(false)
	c := next(t, ch)
	if c.Kind != KindOnline || c.Online || c.Recovered() {
		t.Errorf("change = %+v", c)
	}

	s.SetOnline(true)
	if c := next(t, ch); !c.Recovered() {
		t.Errorf("change = %+v, want recovered", c)
	}

	s.SetForeground(false)
	if c := next(t, ch); c.Kind != KindForeground || c.Recovered() {
		t.Errorf("change = %+v", c)
	}
	s.SetForeground(true)
	if c := next(t, ch); !c.Recovered() {
		t.Errorf("change = %+v, want recovered", c)
	}

	select {
	case c := <-ch:
		t.Errorf("unexpected change %+v", c)
	default:
	}
}

func TestState_CancelClosesChannel(t *testing.T) {
	s := New()
	ch, cancel := s.Subscribe()
	cancel()
	cancel()

	if _, ok := <-ch; ok {
		t.Error("channel not closed")
	}
	s.SetOnline(false) // must not panic on a closed subscriber
}
