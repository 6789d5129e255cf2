package tui

import (
	"sync"

	tea "github.com/charmbracelet/bubbletea"
)

// mailbox queues messages from stream callbacks for the program loop.
// post never blocks, so callbacks may fire from inside Update or before the
// program has started.
type mailbox struct {
	mu    sync.Mutex
	queue []tea.Msg
	wake  chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{wake: make(chan struct{}, 1)}
}

func (m *mailbox) post(msg tea.Msg) {
	m.mu.Lock()
	m.queue = append(m.queue, msg)
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// drain delivers queued messages in order until done is closed.
func (m *mailbox) drain(done <-chan struct{}, send func(tea.Msg)) {
	for {
		select {
		case <-done:
			return
		case <-m.wake:
		}

		m.mu.Lock()
		batch := m.queue
		m.queue = nil
		m.mu.Unlock()

		for _, msg := range batch {
			send(msg)
		}
	}
}
