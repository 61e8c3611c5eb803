// Package infobar keeps the per-tab infobars a page raises when it asks
// for camera and microphone access.
package infobar

import (
	"errors"
	"fmt"
	"sync"
)

// ErrNoInfobar is returned when an index does not name a visible infobar.
var ErrNoInfobar = errors.New("no such infobar")

// Action answers an infobar.
type Action string

const (
	Allow   Action = "allow"
	Deny    Action = "deny"
	Dismiss Action = "dismiss"
)

// ParseAction validates an action name.
func ParseAction(s string) (Action, error) {
	switch a := Action(s); a {
	case Allow, Deny, Dismiss:
		return a, nil
	}
	return "", fmt.Errorf("unknown infobar action %q", s)
}

// Infobar is one pending request.
type Infobar struct {
	// Kind describes the request, e.g. "media".
	Kind string
	// Origin of the page that asked.
	Origin string
	// Audio and Video are the requested devices.
	Audio bool
	Video bool
	// OnAction receives the user's answer. Called without the manager lock.
	OnAction func(Action)
}

// Manager holds infobars per tab. It is safe for concurrent use.
type Manager struct {
	mu      sync.Mutex
	tabs    map[string][]*Infobar
	changed chan struct{}
}

// NewManager returns an empty manager.
func NewManager() *Manager {
	return &Manager{
		tabs:    make(map[string][]*Infobar),
		changed: make(chan struct{}),
	}
}

// Add appends an infobar to tab.
func (m *Manager) Add(tab string, bar *Infobar) {
	m.mu.Lock()
	m.tabs[tab] = append(m.tabs[tab], bar)
	m.notifyLocked()
	m.mu.Unlock()
}

// Count returns the number of infobars showing on tab.
func (m *Manager) Count(tab string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tabs[tab])
}

// List returns a copy of tab's infobars.
func (m *Manager) List(tab string) []Infobar {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Infobar, 0, len(m.tabs[tab]))
	for _, b := range m.tabs[tab] {
		out = append(out, *b)
	}
	return out
}

// Changed returns a channel closed on the next Add or removal.
func (m *Manager) Changed() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.changed
}

// Perform answers the infobar at index on tab and removes it.
func (m *Manager) Perform(tab string, index int, action Action) error {
	m.mu.Lock()
	bars := m.tabs[tab]
	if index < 0 || index >= len(bars) {
		m.mu.Unlock()
		return fmt.Errorf("%w: tab %s index %d (have %d)", ErrNoInfobar, tab, index, len(bars))
	}
	bar := bars[index]
	m.tabs[tab] = append(bars[:index:index], bars[index+1:]...)
	if len(m.tabs[tab]) == 0 {
		delete(m.tabs, tab)
	}
	m.notifyLocked()
	m.mu.Unlock()

	if bar.OnAction != nil {
		bar.OnAction(action)
	}
	return nil
}

// RemoveTab drops every infobar of tab, answering each with Deny.
func (m *Manager) RemoveTab(tab string) {
	m.mu.Lock()
	bars := m.tabs[tab]
	delete(m.tabs, tab)
	if len(bars) > 0 {
		m.notifyLocked()
	}
	m.mu.Unlock()

	for _, bar := range bars {
		if bar.OnAction != nil {
			bar.OnAction(Deny)
		}
	}
}

func (m *Manager) notifyLocked() {
	close(m.changed)
	m.changed = make(chan struct{})
}
