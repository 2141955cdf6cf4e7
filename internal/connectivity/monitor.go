// Package connectivity tracks whether the host can reach the network and
// reports online/offline transitions.
package connectivity

import (
	"context"
	"net"
	"sync"
	"time"

	"k8s.io/klog/v2"
)

// Probe reports whether the network is reachable right now.
type Probe func(ctx context.Context) bool

// TCPProbe returns a probe that succeeds when a TCP connection to addr can be
// opened within timeout.
func TCPProbe(addr string, timeout time.Duration) Probe {
	return func(ctx context.Context) bool {
		d := net.Dialer{Timeout: timeout}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			klog.V(3).InfoS("Connectivity probe failed", "addr", addr, "err", err)
			return false
		}
		_ = conn.Close()
		return true
	}
}

// Monitor polls a Probe and reports the online state.
type Monitor struct {
	Probe    Probe
	Interval time.Duration

	mu     sync.RWMutex
	online bool
	known  bool
}

// NewMonitor returns a Monitor checking probe every interval.
func NewMonitor(probe Probe, interval time.Duration) *Monitor {
	return &Monitor{Probe: probe, Interval: interval}
}

// Check probes once and records the result without notifying anyone. A later
// Run only reports a change when the state differs from this observation.
func (m *Monitor) Check(ctx context.Context) bool {
	return m.check(ctx, nil)
}

// Run probes immediately and then every Interval until ctx is canceled.
// onChange is called with the first observation and after every transition.
func (m *Monitor) Run(ctx context.Context, onChange func(online bool)) {
	ticker := time.NewTicker(m.Interval)
	defer ticker.Stop()

	m.check(ctx, onChange)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.check(ctx, onChange)
		}
	}
}

func (m *Monitor) check(ctx context.Context, onChange func(online bool)) bool {
	online := m.Probe(ctx)
	if ctx.Err() != nil {
		m.mu.RLock()
		defer m.mu.RUnlock()
		return !m.known || m.online
	}

	m.mu.Lock()
	changed := !m.known || m.online != online
	m.online = online
	m.known = true
	m.mu.Unlock()

	if !changed {
		return online
	}
	if online {
		klog.InfoS("Network is online")
	} else {
		klog.InfoS("Network is offline")
	}
	if onChange != nil {
		onChange(online)
	}
	return online
}
