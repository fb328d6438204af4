// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Probe checks connectivity; a nil error means online
type Probe func(ctx context.Context) error

// NetworkMonitor exposes connectivity as a single boolean signal.
// Transitions are delivered to subscribers over channels that carry the
// latest value only; a slow subscriber sees the newest state, never a backlog.
type NetworkMonitor struct {
	mu     sync.Mutex
	online bool
	subs   map[int]chan bool
	nextID int
}

// NewNetworkMonitor creates a monitor with the given initial state
func NewNetworkMonitor(online bool) *NetworkMonitor {
	return &NetworkMonitor{online: online, subs: make(map[int]chan bool)}
}

// Online reports the current connectivity state
func (m *NetworkMonitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// SetOnline updates the state and notifies subscribers when it changed
func (m *NetworkMonitor) SetOnline(online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.online == online {
		return
	}
	m.online = online
	for _, ch := range m.subs {
		select {
		case ch <- online:
		default:
			// replace the stale undelivered value
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- online:
			default:
			}
		}
	}
}

// Subscribe returns a channel of state transitions and a cancel function
// that must be called to release it. The channel is closed by cancel.
func (m *NetworkMonitor) Subscribe() (<-chan bool, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	ch := make(chan bool, 1)
	m.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.subs, id)
			close(ch)
		})
	}
	return ch, cancel
}

// Run polls probe every interval until ctx is done, feeding the result
// into SetOnline. The first probe runs immediately.
func (m *NetworkMonitor) Run(ctx context.Context, probe Probe, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	check := func() {
		pctx, cancel := context.WithTimeout(ctx, interval)
		defer cancel()
		err := probe(pctx)
		if ctx.Err() != nil {
			return
		}
		m.SetOnline(err == nil)
	}

	check()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			check()
		}
	}
}

// HTTPProbe reports online when GET <baseURL>/health answers 2xx
func HTTPProbe(client *http.Client, baseURL string) Probe {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	target := strings.TrimRight(baseURL, "/") + "/health"
	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return fmt.Errorf("health check returned %d", resp.StatusCode)
		}
		return nil
	}
}
