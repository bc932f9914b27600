package interactor

import (
	"sync"

	"github.com/rennerdo30/tunnelctl/internal/tunnelstate"
)

// subscriber is a single-slot status channel. Only the newest status is kept.
type subscriber struct {
	ch   chan tunnelstate.TunnelStatus
	once sync.Once
}

// publish replaces any unread status. Called with statusMu held, so there is
// a single writer.
func (s *subscriber) publish(status tunnelstate.TunnelStatus) {
	select {
	case s.ch <- status:
		return
	default:
	}
	select {
	case <-s.ch:
	default:
	}
	s.ch <- status
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.ch) })
}

// Subscribe returns a channel that holds the latest status. The current
// status is available immediately. Call cancel to unsubscribe; the channel is
// closed afterwards.
func (i *Interactor) Subscribe() (<-chan tunnelstate.TunnelStatus, func()) {
	s := &subscriber{ch: make(chan tunnelstate.TunnelStatus, 1)}

	i.statusMu.Lock()
	s.ch <- i.status
	i.subs[s] = struct{}{}
	i.statusMu.Unlock()

	cancel := func() {
		i.statusMu.Lock()
		defer i.statusMu.Unlock()
		if _, ok := i.subs[s]; ok {
			delete(i.subs, s)
			s.close()
		}
	}
	return s.ch, cancel
}
