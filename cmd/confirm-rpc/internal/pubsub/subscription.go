package pubsub

import (
	"encoding/json"
	"sync"
)

// subscription is one upstream subscription on a connection. Notifications
// are queued without bound by the connection reader and handed to the
// consumer by pump, so a slow consumer never stalls the connection.
type subscription struct {
	conn              *connection
	id                uint64
	unsubscribeMethod string

	out  chan json.RawMessage
	wake chan struct{}
	stop chan struct{}

	lock      sync.Mutex
	queue     []json.RawMessage
	err       error
	stopOnce  sync.Once
	closeOnce sync.Once
	closeErr  error
}

func newSubscription(conn *connection, id uint64, unsubscribeMethod string) *subscription {
	return &subscription{
		conn:              conn,
		id:                id,
		unsubscribeMethod: unsubscribeMethod,
		out:               make(chan json.RawMessage),
		wake:              make(chan struct{}, 1),
		stop:              make(chan struct{}),
	}
}

func (s *subscription) Notifications() <-chan json.RawMessage {
	return s.out
}

// Err returns the error which ended the subscription. It is only meaningful
// once Notifications has been closed.
func (s *subscription) Err() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.err
}

// Close unsubscribes from the node. It is safe to call more than once.
func (s *subscription) Close() error {
	s.closeOnce.Do(func() {
		s.finish(nil)
		s.conn.unregister(s.id)
		s.closeErr = s.conn.unsubscribe(s.unsubscribeMethod, s.id)
	})
	return s.closeErr
}

func (s *subscription) push(msg json.RawMessage) {
	s.lock.Lock()
	s.queue = append(s.queue, msg)
	s.lock.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscription) fail(err error) {
	s.finish(err)
}

func (s *subscription) finish(err error) {
	s.stopOnce.Do(func() {
		s.lock.Lock()
		s.err = err
		s.queue = nil
		s.lock.Unlock()
		close(s.stop)
	})
}

func (s *subscription) pump() {
	defer close(s.out)
	for {
		s.lock.Lock()
		if len(s.queue) == 0 {
			s.lock.Unlock()
			select {
			case <-s.wake:
				continue
			case <-s.stop:
				return
			}
		}
		msg := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.lock.Unlock()

		select {
		case s.out <- msg:
		case <-s.stop:
			return
		}
	}
}
