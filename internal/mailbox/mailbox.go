// Package mailbox is the durable single-slot store for the most recent call
// action the application runtime has not yet received.
package mailbox

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/sweeney/call-bridge/internal/calls"
)

// Mailbox holds at most one pending action. Store overwrites, Take reads and
// clears in one step.
type Mailbox interface {
	Store(ctx context.Context, p calls.PendingAction) error
	Take(ctx context.Context) (calls.PendingAction, bool, error)
	Clear(ctx context.Context) error
	Close() error
}

// Memory is an in-process Mailbox. It does not survive restarts.
type Memory struct {
	mu   sync.Mutex
	slot calls.PendingAction
	set  bool
}

// NewMemory creates an empty in-process mailbox.
func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Store(_ context.Context, p calls.PendingAction) error {
	if p.Empty() {
		return fmt.Errorf("storing pending action: empty record")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.slot = p
	m.set = true
	return nil
}

func (m *Memory) Take(_ context.Context) (calls.PendingAction, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.set {
		return calls.PendingAction{}, false, nil
	}
	p := m.slot
	m.slot = calls.PendingAction{}
	m.set = false
	return p, true, nil
}

func (m *Memory) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.slot = calls.PendingAction{}
	m.set = false
	return nil
}

func (m *Memory) Close() error { return nil }

// Reconcile resolves the action a freshly attached runtime should act on.
// The mailbox is always drained first so a consumed record is never
// redelivered; launch metadata wins when both sources carry an action
// because it is the more recent signal.
func Reconcile(ctx context.Context, mb Mailbox, launch calls.PendingAction) (calls.PendingAction, bool, error) {
	stored, ok, err := mb.Take(ctx)
	if err != nil {
		if !launch.Empty() {
			log.Printf("MAILBOX: take failed, using launch action: %v", err)
			return launch, true, nil
		}
		return calls.PendingAction{}, false, fmt.Errorf("taking pending action: %w", err)
	}
	if !launch.Empty() {
		if ok && stored != launch {
			log.Printf("MAILBOX: launch action %s/%s supersedes stored %s/%s",
				launch.Action, launch.CallID, stored.Action, stored.CallID)
		}
		return launch, true, nil
	}
	return stored, ok, nil
}
