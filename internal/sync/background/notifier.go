// Package background replays push requests that failed in the foreground,
// independently of the foreground sync engine.
package background

import (
	"time"

	"github.com/sitesafe/fieldsync/internal/pubsub"
)

// MessageType names a background replay outcome.
type MessageType string

const (
	MessageReplayed MessageType = "background.replayed"
	MessageFailed   MessageType = "background.failed"
	MessageExpired  MessageType = "background.expired"
)

// Message is broadcast to every foreground instance after a replay attempt.
type Message struct {
	Type      MessageType `json:"type"`
	RequestID string      `json:"requestId"`
	// OpIDs are the operations the server acknowledged.
	OpIDs []string  `json:"opIds,omitempty"`
	Error string    `json:"error,omitempty"`
	At    time.Time `json:"at"`
}

// Notifier fans messages out to registered foreground instances.
type Notifier struct {
	hub *pubsub.Hub[Message]
}

// NewNotifier creates a Notifier.
func NewNotifier() *Notifier {
	return &Notifier{hub: pubsub.NewHub[Message]()}
}

// Subscribe registers a listener. Call the returned function to unregister.
func (n *Notifier) Subscribe() (<-chan Message, func()) {
	return n.hub.Subscribe()
}

// Publish sends msg to every listener.
func (n *Notifier) Publish(msg Message) {
	if msg.At.IsZero() {
		msg.At = time.Now()
	}
	n.hub.Publish(msg)
}

// Close unregisters every listener.
func (n *Notifier) Close() {
	n.hub.Close()
}
