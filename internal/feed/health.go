package feed

import (
	"sync"
	"time"

	"github.com/helixtrade/helix/internal/schema"
)

// healthTracker accumulates connection statistics for one adapter.
type healthTracker struct {
	mu sync.Mutex

	source     schema.Source
	status     schema.FeedStatus
	startedAt  time.Time
	heartbeat  time.Time
	lastData   time.Time
	errors     uint64
	reconnects uint64

	windowStart time.Time
	windowMsgs  int
	msgsPerSec  float64
}

func newHealthTracker(source schema.Source) *healthTracker {
	now := time.Now()
	return &healthTracker{
		source:      source,
		status:      schema.FeedDisconnected,
		startedAt:   now,
		windowStart: now,
	}
}

func (h *healthTracker) setStatus(status schema.FeedStatus) {
	h.mu.Lock()
	h.status = status
	if status == schema.FeedConnected {
		h.heartbeat = time.Now()
	}
	h.mu.Unlock()
}

func (h *healthTracker) recordMessage() {
	now := time.Now()
	h.mu.Lock()
	h.lastData = now
	h.heartbeat = now
	h.windowMsgs++
	if elapsed := now.Sub(h.windowStart); elapsed >= time.Second {
		h.msgsPerSec = float64(h.windowMsgs) / elapsed.Seconds()
		h.windowMsgs = 0
		h.windowStart = now
	}
	h.mu.Unlock()
}

func (h *healthTracker) recordHeartbeat() {
	h.mu.Lock()
	h.heartbeat = time.Now()
	h.mu.Unlock()
}

func (h *healthTracker) recordError() {
	h.mu.Lock()
	h.errors++
	h.mu.Unlock()
}

func (h *healthTracker) recordReconnect() {
	h.mu.Lock()
	h.reconnects++
	h.mu.Unlock()
}

// snapshot computes the health view. Quality starts at 100 and decays with
// staleness (-20 beyond 5s, -30 beyond 10s, -50 beyond 30s) and error rate.
func (h *healthTracker) snapshot() schema.FeedHealth {
	h.mu.Lock()
	defer h.mu.Unlock()

	quality := 100.0
	if !h.lastData.IsZero() {
		switch age := time.Since(h.lastData); {
		case age > 30*time.Second:
			quality -= 50
		case age > 10*time.Second:
			quality -= 30
		case age > 5*time.Second:
			quality -= 20
		}
	} else if h.status != schema.FeedConnected {
		quality = 0
	}
	if h.errors > 0 {
		uptime := time.Since(h.startedAt).Minutes()
		if uptime < 1 {
			uptime = 1
		}
		errRate := float64(h.errors) / uptime
		penalty := errRate * 5
		if penalty > 30 {
			penalty = 30
		}
		quality -= penalty
	}
	if h.status == schema.FeedDisconnected || h.status == schema.FeedError {
		quality = 0
	}
	if quality < 0 {
		quality = 0
	}

	status := h.status
	if status == schema.FeedConnected && !h.lastData.IsZero() && time.Since(h.lastData) > 10*time.Second {
		status = schema.FeedDegraded
	}

	return schema.FeedHealth{
		Source:        h.source,
		Status:        status,
		Connected:     status == schema.FeedConnected || status == schema.FeedDegraded,
		LastHeartbeat: h.heartbeat,
		LastDataTs:    h.lastData,
		MsgsPerSec:    h.msgsPerSec,
		Errors:        h.errors,
		Reconnects:    h.reconnects,
		Uptime:        time.Since(h.startedAt),
		Quality:       quality,
	}
}
