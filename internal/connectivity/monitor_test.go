package connectivity

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
)

var errProbe = errors.New("no route to host")

func newTestMonitor(failThreshold int) *Monitor {
	prober := ProberFunc(func(context.Context) error { return nil })
	return New(prober, time.Second, time.Second, failThreshold, zap.NewNop())
}

func TestMonitorStartsOffline(t *testing.T) {
	m := newTestMonitor(2)
	if m.Online() {
		t.Error("monitor must not claim reachability before the first probe")
	}
}

func TestSingleSuccessGoesOnline(t *testing.T) {
	m := newTestMonitor(2)
	ch := m.Subscribe()

	m.observeSuccess()
	if !m.Online() {
		t.Error("one successful probe must restore online")
	}
	select {
	case c := <-ch:
		if !c.Online {
			t.Errorf("expected online transition, got %+v", c)
		}
	default:
		t.Error("subscriber must see the transition")
	}
}

func TestFailuresBelowThresholdStayOnline(t *testing.T) {
	m := newTestMonitor(3)
	m.observeSuccess()
	ch := m.Subscribe()

	m.observeFailure(errProbe)
	m.observeFailure(errProbe)
	if !m.Online() {
		t.Error("failures below the threshold must not declare an outage")
	}
	select {
	case c := <-ch:
		t.Errorf("no transition expected, got %+v", c)
	default:
	}
}

func TestThresholdFailuresGoOffline(t *testing.T) {
	m := newTestMonitor(2)
	m.observeSuccess()
	ch := m.Subscribe()

	m.observeFailure(errProbe)
	m.observeFailure(errProbe)
	if m.Online() {
		t.Error("threshold failures must declare the uplink lost")
	}
	select {
	case c := <-ch:
		if c.Online {
			t.Errorf("expected offline transition, got %+v", c)
		}
	default:
		t.Error("subscriber must see the transition")
	}
}

func TestSuccessResetsFailureStreak(t *testing.T) {
	m := newTestMonitor(2)
	m.observeSuccess()

	m.observeFailure(errProbe)
	m.observeSuccess()
	m.observeFailure(errProbe)
	if !m.Online() {
		t.Error("the streak must restart after a success")
	}
	m.observeFailure(errProbe)
	if m.Online() {
		t.Error("a fresh full streak must still declare the outage")
	}
}

func TestRunProbesImmediately(t *testing.T) {
	probed := make(chan struct{}, 1)
	prober := ProberFunc(func(context.Context) error {
		select {
		case probed <- struct{}{}:
		default:
		}
		return nil
	})
	m := New(prober, time.Hour, time.Second, 1, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	select {
	case <-probed:
	case <-time.After(2 * time.Second):
		t.Fatal("first probe must not wait for the ticker")
	}
	deadline := time.Now().Add(2 * time.Second)
	for !m.Online() {
		if time.Now().After(deadline) {
			t.Fatal("monitor never came online")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	m := newTestMonitor(1)
	ch := m.Subscribe()

	// Fill the subscriber's buffer without draining it.
	for i := 0; i < 8; i++ {
		m.observeSuccess()
		m.observeFailure(errProbe)
	}
	if len(ch) == 0 {
		t.Error("subscriber should have buffered transitions")
	}
	// The monitor itself must keep moving.
	m.observeSuccess()
	if !m.Online() {
		t.Error("monitor state must advance past a full subscriber")
	}
}
