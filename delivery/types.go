// Package delivery guarantees eventual delivery of outbound messages.
//
// While online, Enqueue sends immediately and reports failures to the caller.
// While offline, messages are appended to a persisted queue that is flushed
// on the next offline to online transition, with a bounded number of attempts
// per message. Messages that exhaust their attempts are reported on
// Failures, never dropped silently.
package delivery

import (
	"context"
	"time"
)

// MessageRequest is an outbound message to a lead or contact of a dossier.
type MessageRequest struct {
	DossierID string            `json:"dossier_id"`
	Channel   string            `json:"channel"` // email, sms, whatsapp
	Recipient string            `json:"recipient"`
	Subject   string            `json:"subject,omitempty"`
	Body      string            `json:"body"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Message is the resource created by the message API.
type Message struct {
	ID        string    `json:"id"`
	DossierID string    `json:"dossier_id"`
	Channel   string    `json:"channel"`
	Recipient string    `json:"recipient"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// QueuedMessage is a deferred request awaiting delivery.
type QueuedMessage struct {
	ID         string         `json:"id"`
	Payload    MessageRequest `json:"payload"`
	EnqueuedAt time.Time      `json:"enqueued_at"`
	RetryCount int            `json:"retry_count"`
	LastError  string         `json:"last_error,omitempty"`
}

// FailedDelivery reports a queued message that will never be delivered.
type FailedDelivery struct {
	Message  QueuedMessage
	Err      error
	FailedAt time.Time
}

// SyncResult summarizes one sync pass.
type SyncResult struct {
	// Skipped is true when the pass did not run because another pass was in
	// progress or the monitor reported offline.
	Skipped   bool
	Delivered []Message
	Retained  int
	Failed    []FailedDelivery
}

// Sender performs the remote "create message" operation.
type Sender interface {
	CreateMessage(ctx context.Context, req MessageRequest) (*Message, error)
}

// OnlineSource reports connectivity; network.Monitor satisfies it.
type OnlineSource interface {
	Online() bool
	Subscribe() (<-chan bool, func())
}
