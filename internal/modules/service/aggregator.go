package service

import (
	"strings"
	"sync"
	"time"

	"github.com/duetcode/duet/internal/config"
)

// FlushFunc receives the joined text of one drained buffer.
type FlushFunc func(sessionID, messageID, content string)

// TokenAggregator coalesces streaming token deltas into batched token events.
// Buffers are keyed by (session, message); a buffer drains when its timer
// fires, when it reaches the size bound, when the message id changes, or on
// explicit flush. Concatenation order is arrival order, so the joined output
// for a message always equals the input stream.
type TokenAggregator struct {
	mu       sync.Mutex
	buffers  map[string]*tokenBuffer
	flush    FlushFunc
	interval time.Duration
	maxSize  int
	closed   bool
}

type tokenBuffer struct {
	messageID string
	parts     []string
	timer     *time.Timer
}

type drained struct {
	sessionID string
	messageID string
	content   string
}

func NewTokenAggregator(cfg *config.Config, flush FlushFunc) *TokenAggregator {
	return &TokenAggregator{
		buffers:  make(map[string]*tokenBuffer),
		flush:    flush,
		interval: time.Duration(cfg.Aggregator.FlushIntervalMs) * time.Millisecond,
		maxSize:  cfg.Aggregator.MaxBufferedTokens,
	}
}

// Add buffers one token. A message-id change drains the previous buffer first
// so per-message text never interleaves.
func (a *TokenAggregator) Add(sessionID, messageID, text string) {
	var out []drained

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}

	buf, ok := a.buffers[sessionID]
	if ok && buf.messageID != messageID {
		out = a.drainLocked(out, sessionID, buf)
		ok = false
	}
	if !ok {
		buf = &tokenBuffer{messageID: messageID}
		buf.timer = time.AfterFunc(a.interval, func() { a.Flush(sessionID) })
		a.buffers[sessionID] = buf
	}

	buf.parts = append(buf.parts, text)
	if len(buf.parts) >= a.maxSize {
		out = a.drainLocked(out, sessionID, buf)
	}
	a.mu.Unlock()

	a.emit(out)
}

// Flush drains the session's buffer immediately. An empty buffer is a no-op.
func (a *TokenAggregator) Flush(sessionID string) {
	var out []drained

	a.mu.Lock()
	if buf, ok := a.buffers[sessionID]; ok {
		out = a.drainLocked(out, sessionID, buf)
	}
	a.mu.Unlock()

	a.emit(out)
}

// Destroy flushes everything and detaches the callback; later Adds are no-ops.
func (a *TokenAggregator) Destroy() {
	var out []drained

	a.mu.Lock()
	for id, buf := range a.buffers {
		out = a.drainLocked(out, id, buf)
	}
	a.closed = true
	a.mu.Unlock()

	a.emit(out)
}

// drainLocked detaches the buffer under a.mu; the callback runs later, off the
// lock, so a slow store write never stalls other sessions' token streams.
func (a *TokenAggregator) drainLocked(out []drained, sessionID string, buf *tokenBuffer) []drained {
	buf.timer.Stop()
	delete(a.buffers, sessionID)
	if len(buf.parts) == 0 {
		return out
	}
	return append(out, drained{
		sessionID: sessionID,
		messageID: buf.messageID,
		content:   strings.Join(buf.parts, ""),
	})
}

func (a *TokenAggregator) emit(out []drained) {
	if a.flush == nil {
		return
	}
	for _, d := range out {
		a.flush(d.sessionID, d.messageID, d.content)
	}
}
