package engine

// Subscriber is one live viewer of one session's stream. Its channel is
// buffered and sends never block: a viewer that stops draining loses
// events rather than stalling the broadcast.
type Subscriber struct {
	sessionID string
	ch        chan []byte
}

// Events yields marshaled events in broadcast order, starting with the
// cached backfill captured at subscribe time. The channel is closed by
// Unsubscribe or when the session is deleted.
func (s *Subscriber) Events() <-chan []byte {
	return s.ch
}

func (s *Subscriber) SessionID() string {
	return s.sessionID
}

func (s *Subscriber) send(payload []byte) bool {
	select {
	case s.ch <- payload:
		return true
	default:
		return false
	}
}
