package connectivity

import (
	"io"
	"testing"

	"github.com/sandwichfarm/syncr/internal/config"
	"github.com/sandwichfarm/syncr/internal/ops"
)

func testMonitor() *Monitor {
	return NewMonitor(ops.NewLoggerWithWriter(&config.Logging{Level: "error", Format: "text"}, io.Discard))
}

func TestMonitorOnline(t *testing.T) {
	m := testMonitor()

	if m.Online() {
		t.Error("monitor with no transports should be offline")
	}

	m.SetTransport("wifi", true)
	if !m.Online() {
		t.Error("expected online with wifi up")
	}

	m.SetTransport("cellular", true)
	m.SetTransport("wifi", false)
	if !m.Online() {
		t.Error("expected online while cellular is up")
	}

	m.SetTransport("cellular", false)
	if m.Online() {
		t.Error("expected offline with all transports down")
	}
}

func TestMonitorSubscribe(t *testing.T) {
	m := testMonitor()

	var transitions []bool
	unsub := m.Subscribe(func(online bool) {
		transitions = append(transitions, online)
	})

	m.SetTransport("wifi", true)  // offline -> online
	m.SetTransport("wifi", true)  // no change
	m.SetTransport("cellular", true)
	m.SetTransport("wifi", false) // still online via cellular
	m.SetTransport("cellular", false) // online -> offline

	want := []bool{true, false}
	if len(transitions) != len(want) {
		t.Fatalf("expected %d transitions, got %v", len(want), transitions)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d = %v, want %v", i, transitions[i], want[i])
		}
	}

	unsub()
	m.SetTransport("wifi", true)
	if len(transitions) != 2 {
		t.Error("unsubscribed callback must not fire")
	}
}
