// Package connector defines the input connector contract and the built-in
// connectors (console REPL, Telegram). A connector turns transport-specific
// events into IncomingMessages, hands them to the hub's handler, and delivers
// responses over its own transport.
package connector

import (
	"context"

	"github.com/harun/remi/pkg/backend"
)

// IncomingMessage is a message received from any connector. It is created by
// the connector and consumed exactly once by the hub.
type IncomingMessage struct {
	Text          string
	ChatID        string
	Sender        string
	ConnectorName string
	Metadata      map[string]string
}

// Handler processes one incoming message and returns the response to
// deliver. It never returns an error: failures surface as sentinel text in
// the response.
type Handler func(ctx context.Context, msg IncomingMessage) backend.AgentResponse

// Connector is the contract every input connector satisfies.
type Connector interface {
	Name() string

	// Start listens for messages until ctx is canceled or Stop is called,
	// invoking handler for each one. It blocks for the connector's
	// lifetime.
	Start(ctx context.Context, handler Handler) error

	// Stop gracefully stops the connector.
	Stop(ctx context.Context) error

	// Reply delivers a response to the given chat over the connector's
	// own transport.
	Reply(ctx context.Context, chatID string, resp backend.AgentResponse) error
}
