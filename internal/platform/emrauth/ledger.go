package emrauth

import (
	"fmt"
	"sync"
	"time"
)

// attemptLedger tracks each authorization attempt by its state nonce, from
// the authorize URL to a terminal state, so a replayed or retried state is
// rejected. An attempt issued by another instance is unknown here and is
// first seen at its callback. Entries are kept until they would have
// expired anyway.
type attemptLedger struct {
	mu       sync.Mutex
	attempts map[string]attemptEntry
}

type attemptEntry struct {
	state     FlowState
	expiresAt time.Time
}

func newAttemptLedger() *attemptLedger {
	return &attemptLedger{attempts: make(map[string]attemptEntry)}
}

// request records an issued authorize URL.
func (l *attemptLedger) request(nonce string, expiresAt, now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(now)
	l.attempts[nonce] = attemptEntry{state: FlowAuthorizationRequested, expiresAt: expiresAt}
}

// begin moves the attempt to FlowCallbackReceived. It fails when the
// attempt already reached its callback once.
func (l *attemptLedger) begin(nonce string, expiresAt, now time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(now)

	if e, ok := l.attempts[nonce]; ok && e.state != FlowAuthorizationRequested {
		if e.state == FlowFailed {
			return fmt.Errorf("authorization attempt already failed; restart from a new authorize url")
		}
		return fmt.Errorf("state nonce has already been used (attempt is %s, replay detected)", e.state)
	}
	l.attempts[nonce] = attemptEntry{state: FlowCallbackReceived, expiresAt: expiresAt}
	return nil
}

// advance applies a legal transition and returns the resulting state.
func (l *attemptLedger) advance(nonce string, to FlowState) FlowState {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.attempts[nonce]
	if !ok {
		return FlowIdle
	}
	if CanTransition(e.state, to) {
		e.state = to
		l.attempts[nonce] = e
	}
	return e.state
}

func (l *attemptLedger) stateOf(nonce string) FlowState {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.attempts[nonce]; ok {
		return e.state
	}
	return FlowIdle
}

func (l *attemptLedger) prune(now time.Time) {
	for n, e := range l.attempts {
		if now.After(e.expiresAt) {
			delete(l.attempts, n)
		}
	}
}

func (l *attemptLedger) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.attempts)
}
