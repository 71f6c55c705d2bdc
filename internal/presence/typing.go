package presence

import (
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/careline-hub/internal/protocol"
)

type typingKey struct {
	subject  string // the user who is typing
	observer string // the user watching the indicator
}

type typingEntry struct {
	started time.Time
	timer   *time.Timer
	gen     uint64
	capped  bool // hit maxDuration; renewals stay hidden until a quiet period passes
}

// Typing holds ephemeral "is typing" flags. Each flag clears itself after a
// quiet period without renewal and never outlives maxDuration. Once the cap
// clears a flag, renewals are ignored until the subject stops for a quiet
// period or sends an explicit stop.
type Typing struct {
	mu      sync.Mutex
	entries map[typingKey]*typingEntry
	gen     uint64

	quiet       time.Duration
	maxDuration time.Duration
	reg         Lookup
	logger      *slog.Logger
}

// NewTyping creates a typing tracker. Expiry notices go to observers found via reg.
func NewTyping(reg Lookup, quiet, maxDuration time.Duration, logger *slog.Logger) *Typing {
	if logger == nil {
		logger = slog.Default()
	}
	if maxDuration < quiet {
		maxDuration = quiet
	}
	return &Typing{
		entries:     make(map[typingKey]*typingEntry),
		quiet:       quiet,
		maxDuration: maxDuration,
		reg:         reg,
		logger:      logger,
	}
}

// Set records subject's typing flag as seen by observer. It reports whether
// the signal should be shown to the observer; renewals after the cap are not.
func (t *Typing) Set(subject, observer string, isTyping bool) bool {
	key := typingKey{subject: subject, observer: observer}
	now := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	entry, exists := t.entries[key]
	if exists {
		entry.timer.Stop()
	}
	if !isTyping {
		delete(t.entries, key)
		return !exists || !entry.capped
	}

	t.gen++
	gen := t.gen

	if exists && entry.capped {
		entry.gen = gen
		entry.timer = time.AfterFunc(t.quiet, func() { t.expire(key, gen) })
		return false
	}

	if !exists {
		entry = &typingEntry{started: now}
		t.entries[key] = entry
	}
	entry.gen = gen

	wait := t.quiet
	if remaining := entry.started.Add(t.maxDuration).Sub(now); remaining < wait {
		wait = remaining
	}
	if wait < 0 {
		wait = 0
	}
	entry.timer = time.AfterFunc(wait, func() { t.expire(key, gen) })
	return true
}

// IsTyping reports whether subject is currently shown as typing to observer.
func (t *Typing) IsTyping(subject, observer string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.entries[typingKey{subject: subject, observer: observer}]
	return ok && !entry.capped
}

func (t *Typing) expire(key typingKey, gen uint64) {
	t.mu.Lock()
	entry, ok := t.entries[key]
	if !ok || entry.gen != gen {
		t.mu.Unlock()
		return
	}
	if entry.capped {
		// Quiet period after the cap passed; the next signal starts fresh.
		delete(t.entries, key)
		t.mu.Unlock()
		return
	}
	if time.Since(entry.started) >= t.maxDuration {
		entry.capped = true
		entry.timer = time.AfterFunc(t.quiet, func() { t.expire(key, gen) })
	} else {
		delete(t.entries, key)
	}
	t.mu.Unlock()

	t.logger.Debug("Typing indicator expired", "user_id", key.subject, "observer_id", key.observer)
	t.notifyStopped(key)
}

// ClearUser drops every flag where userID is subject or observer. Observers
// that were watching userID type are told the indicator is off.
// It returns the number of flags removed.
func (t *Typing) ClearUser(userID string) int {
	var stopped []typingKey
	removed := 0

	t.mu.Lock()
	for key, entry := range t.entries {
		if key.subject != userID && key.observer != userID {
			continue
		}
		entry.timer.Stop()
		delete(t.entries, key)
		removed++
		if key.subject == userID && key.observer != userID && !entry.capped {
			stopped = append(stopped, key)
		}
	}
	t.mu.Unlock()

	for _, key := range stopped {
		t.notifyStopped(key)
	}
	return removed
}

func (t *Typing) notifyStopped(key typingKey) {
	conn, ok := t.reg.Lookup(key.observer)
	if !ok {
		return
	}
	conn.Send(protocol.Event{
		Type:    protocol.TypeUserTyping,
		Payload: protocol.UserTyping{FromUserID: key.subject, IsTyping: false},
	})
}
