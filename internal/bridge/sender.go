package bridge

import (
	"time"

	"github.com/ent0n29/tutorvoice/internal/observability"
	"github.com/ent0n29/tutorvoice/internal/protocol"
)

const criticalSendTimeout = 600 * time.Millisecond

// sender writes to the connection's outbound queue. Commands and state the
// browser must not miss wait briefly for room; cosmetic messages are dropped
// when the queue is full.
type sender struct {
	out     chan<- any
	done    <-chan struct{}
	metrics *observability.Metrics
}

func (s *sender) send(msg any) {
	if !critical(msg) {
		select {
		case s.out <- msg:
		case <-s.done:
		default:
			s.metrics.ObserveSessionEvent("outbound_drop")
		}
		return
	}

	timer := time.NewTimer(criticalSendTimeout)
	defer timer.Stop()
	select {
	case s.out <- msg:
	case <-s.done:
	case <-timer.C:
		s.metrics.ObserveSessionEvent("outbound_timeout_critical")
	}
}

func critical(msg any) bool {
	switch msg.(type) {
	case protocol.Chime, protocol.Notification:
		return false
	default:
		return true
	}
}
