// Package lsp defines the protocol surface shared between the engine
// handles and the stdio transport: method names, the session contract,
// and server capability detection.
package lsp

import (
	"context"
	"encoding/json"
)

// Session is the transport-level contract for one running language engine
// process. Implementations own the process lifecycle and the JSON-RPC
// framing on its stdio pipes.
type Session interface {
	// Start spawns the engine process and begins serving requests.
	// Returns an error if the process fails to spawn or is already running.
	Start(ctx context.Context) error

	// Initialize performs the protocol handshake for the given root path
	// and records the server's capabilities. The session reports active
	// only after the handshake completes.
	Initialize(ctx context.Context, rootPath string) error

	// Stop gracefully shuts down the engine process.
	Stop() error

	// SendRequest sends a JSON-RPC request and waits for the matching response.
	SendRequest(ctx context.Context, method string, params interface{}) (json.RawMessage, error)

	// SendNotification sends a JSON-RPC notification without expecting a response.
	SendNotification(ctx context.Context, method string, params interface{}) error

	// IsActive returns true once the process is running and initialized.
	IsActive() bool

	// Supports reports whether the engine advertised support for a method.
	Supports(method string) bool

	// OnNotification registers a handler for a server-to-client notification
	// method. Handlers run on the session's read loop and must not block.
	OnNotification(method string, handler func(params json.RawMessage))
}
