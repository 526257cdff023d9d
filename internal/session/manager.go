// Package session bounds how many browser pages are open at once and hands
// out pages from the shared browser.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ahrdadan/snapq/internal/browser"
)

// DefaultMaxPages is the default number of concurrently open pages.
const DefaultMaxPages = 5

// ErrBusy is returned by TryAdmit when every slot is taken.
var ErrBusy = errors.New("server busy")

// Manager owns the admission slots and the shared browser client.
type Manager struct {
	client browser.Client
	slots  chan struct{}
}

// NewManager creates a manager admitting at most maxPages concurrent requests.
func NewManager(client browser.Client, maxPages int) *Manager {
	if maxPages <= 0 {
		maxPages = DefaultMaxPages
	}
	return &Manager{
		client: client,
		slots:  make(chan struct{}, maxPages),
	}
}

// Slot is one unit of admission capacity.
type Slot struct {
	once    sync.Once
	release func()
}

// Release returns the slot. Only the first call has an effect.
func (s *Slot) Release() {
	s.once.Do(s.release)
}

// TryAdmit takes a slot without waiting. It returns ErrBusy when at capacity.
func (m *Manager) TryAdmit() (*Slot, error) {
	select {
	case m.slots <- struct{}{}:
		return &Slot{release: func() { <-m.slots }}, nil
	default:
		return nil, ErrBusy
	}
}

// InFlight returns the number of outstanding slots.
func (m *Manager) InFlight() int {
	return len(m.slots)
}

// Capacity returns the slot limit.
func (m *Manager) Capacity() int {
	return cap(m.slots)
}

// OpenPage opens a fresh page on the shared browser.
func (m *Manager) OpenPage(ctx context.Context) (browser.Page, error) {
	if m.client == nil || !m.client.IsRunning() {
		return nil, browser.ErrUnavailable
	}
	page, err := m.client.OpenPage(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open page: %w", err)
	}
	return page, nil
}

// BrowserRunning reports whether the shared browser is up.
func (m *Manager) BrowserRunning() bool {
	return m.client != nil && m.client.IsRunning()
}

// BrowserEndpoint returns the DevTools endpoint of the shared browser.
func (m *Manager) BrowserEndpoint() string {
	if m.client == nil {
		return ""
	}
	return m.client.GetEndpoint()
}
