package state

import v1 "continuum/shared/contracts/continuum/v1"

// Subscriber is an attached connection as seen by the registry.
//
// Deliver must never block: it enqueues env or reports false when the subscriber's queue is
// full or the subscriber is shutting down. Done is closed once the subscriber starts closing.
// Bound is called with the session id each time the registry binds the subscriber, under
// that session's lock and before any update of the session is delivered to it.
type Subscriber interface {
	ConnID() string
	UserID() string
	DeviceID() string
	Bound(sessionID string)
	Deliver(env v1.Envelope) bool
	Disconnect(reason string)
	Done() <-chan struct{}
}

func closed(sub Subscriber) bool {
	select {
	case <-sub.Done():
		return true
	default:
		return false
	}
}
