// Package fanout carries session lifecycle and patient update events from
// the session manager to every hub, in process or across server instances.
package fanout

import (
	"context"
	"errors"
	"sync"

	"wardsim/pkg/interfaces"
	"wardsim/pkg/types"
)

// Kind names the event carried by a Message
type Kind string

const (
	KindSessionStarted Kind = "session_started"
	KindSessionEnded   Kind = "session_ended"
	KindPatientUpdated Kind = "patient_updated"
)

var (
	ErrBusClosed      = errors.New("fanout bus is closed")
	ErrUnknownMessage = errors.New("unknown fanout message kind")
)

// Message is the unit published on the bus
type Message struct {
	Kind    Kind                `json:"kind"`
	Session *types.WardSession  `json:"session,omitempty"`
	Signal  *types.UpdateSignal `json:"signal,omitempty"`
}

// Validate checks the payload matches the kind
func (m Message) Validate() error {
	switch m.Kind {
	case KindSessionStarted, KindSessionEnded:
		if m.Session == nil {
			return ErrUnknownMessage
		}
	case KindPatientUpdated:
		if m.Signal == nil {
			return ErrUnknownMessage
		}
	default:
		return ErrUnknownMessage
	}
	return nil
}

// Handler receives bus messages. It must not block.
type Handler func(Message)

// Bus is a Broadcaster whose messages reach every subscriber
type Bus interface {
	interfaces.Broadcaster
	Subscribe(h Handler) (unsubscribe func())
	Close() error
}

// subscribers is the handler set shared by both bus implementations
type subscribers struct {
	mu       sync.RWMutex
	next     int
	handlers map[int]Handler
}

func (s *subscribers) add(h Handler) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handlers == nil {
		s.handlers = make(map[int]Handler)
	}
	id := s.next
	s.next++
	s.handlers[id] = h

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.handlers, id)
			s.mu.Unlock()
		})
	}
}

func (s *subscribers) dispatch(msg Message) {
	s.mu.RLock()
	handlers := make([]Handler, 0, len(s.handlers))
	for _, h := range s.handlers {
		handlers = append(handlers, h)
	}
	s.mu.RUnlock()

	for _, h := range handlers {
		h(msg)
	}
}

// LocalBus delivers synchronously to in-process subscribers
type LocalBus struct {
	subs   subscribers
	mu     sync.RWMutex
	closed bool
}

var _ Bus = (*LocalBus)(nil)

// NewLocalBus creates an in-process bus
func NewLocalBus() *LocalBus {
	return &LocalBus{}
}

func (b *LocalBus) Subscribe(h Handler) func() {
	return b.subs.add(h)
}

func (b *LocalBus) publish(msg Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBusClosed
	}
	b.subs.dispatch(msg)
	return nil
}

func (b *LocalBus) SessionStarted(ctx context.Context, session *types.WardSession) error {
	return b.publish(Message{Kind: KindSessionStarted, Session: session})
}

func (b *LocalBus) SessionEnded(ctx context.Context, session *types.WardSession) error {
	return b.publish(Message{Kind: KindSessionEnded, Session: session})
}

func (b *LocalBus) PatientUpdated(ctx context.Context, signal *types.UpdateSignal) error {
	return b.publish(Message{Kind: KindPatientUpdated, Signal: signal})
}

func (b *LocalBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
