package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"go.lsp.dev/protocol"
)

// Kind selects which language-server engine backs a resource.
type Kind int

const (
	// KindJedi is the lightweight engine served by jedi-language-server.
	KindJedi Kind = iota
	// KindAnalysis is the downloadable rich analysis engine.
	KindAnalysis
)

func (k Kind) String() string {
	switch k {
	case KindJedi:
		return "jedi"
	case KindAnalysis:
		return "analysis"
	default:
		return "unknown"
	}
}

// ParseKind parses the string form produced by String.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "jedi":
		return KindJedi, nil
	case "analysis":
		return KindAnalysis, nil
	default:
		return KindJedi, fmt.Errorf("unknown engine kind: %q", s)
	}
}

// State is the lifecycle position of a handle. Disposed is reachable from
// every other state.
type State int

const (
	StateIdle State = iota
	StateStarting
	StateReady
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateDisposed:
		return "disposed"
	default:
		return "unknown"
	}
}

// Handle is a language-server engine bound to one resource. Capability
// methods pass through to the engine when the handle is Ready and return
// (nil, nil) otherwise.
type Handle interface {
	Startup(ctx context.Context, resource, interpreter string) error
	Dispose()
	Kind() Kind
	State() State

	Rename(ctx context.Context, params *protocol.RenameParams) (json.RawMessage, error)
	Definition(ctx context.Context, params *protocol.DefinitionParams) (json.RawMessage, error)
	Hover(ctx context.Context, params *protocol.HoverParams) (json.RawMessage, error)
	References(ctx context.Context, params *protocol.ReferenceParams) (json.RawMessage, error)
	Completion(ctx context.Context, params *protocol.CompletionParams) (json.RawMessage, error)
	CodeLens(ctx context.Context, params *protocol.CodeLensParams) (json.RawMessage, error)
	DocumentSymbols(ctx context.Context, params *protocol.DocumentSymbolParams) (json.RawMessage, error)
	SignatureHelp(ctx context.Context, params *protocol.SignatureHelpParams) (json.RawMessage, error)
}

// DocumentSyncer is an optional handle extension for engines that accept
// document-sync notifications. Callers check for it with a type assertion.
type DocumentSyncer interface {
	DidOpen(ctx context.Context, params *protocol.DidOpenTextDocumentParams) error
	DidChange(ctx context.Context, params *protocol.DidChangeTextDocumentParams) error
	DidClose(ctx context.Context, params *protocol.DidCloseTextDocumentParams) error
}

// Activator is a dependent service switched on once a handle becomes ready
// and off when the handle is disposed. Deactivate may be called without a
// prior Activate and must tolerate it.
type Activator interface {
	Activate(h Handle) error
	Deactivate()
}

// Launcher resolves the command line for one engine kind. The analysis
// launcher installs the engine bundle on first use.
type Launcher interface {
	Prepare(ctx context.Context, interpreter string) (command string, args []string, err error)
}

// Factory builds handles by kind. Injectable so tests can substitute fakes.
type Factory interface {
	NewHandle(kind Kind) Handle
}
