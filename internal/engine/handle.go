package engine

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.lsp.dev/protocol"

	"pyls-broker/internal/common"
	"pyls-broker/internal/errors"
	"pyls-broker/internal/lsp"
	"pyls-broker/internal/transport"
)

const defaultPollInterval = 100 * time.Millisecond

// ServerHandle drives one engine process through
// Idle → Starting → Ready → Disposed.
type ServerHandle struct {
	kind       Kind
	launcher   Launcher
	activators []Activator
	newSession func(command string, args []string, workDir string) lsp.Session

	pollInterval time.Duration

	mu        sync.Mutex
	state     State
	session   lsp.Session
	initErr   error
	activated bool

	disposedCh chan struct{}
}

// NewServerHandle creates an idle handle for the given kind.
func NewServerHandle(kind Kind, launcher Launcher, activators ...Activator) *ServerHandle {
	return &ServerHandle{
		kind:       kind,
		launcher:   launcher,
		activators: activators,
		newSession: func(command string, args []string, workDir string) lsp.Session {
			return transport.NewStdioSession(command, args, workDir)
		},
		pollInterval: defaultPollInterval,
		disposedCh:   make(chan struct{}),
	}
}

func (h *ServerHandle) Kind() Kind {
	return h.kind
}

func (h *ServerHandle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Startup resolves the engine command, starts the stdio session and waits
// for the handshake. The wait is bounded only by disposal: a handle
// disposed mid-wait returns nil and skips the post-ready registration.
func (h *ServerHandle) Startup(ctx context.Context, resource, interpreter string) error {
	h.mu.Lock()
	if h.state != StateIdle {
		state := h.state
		h.mu.Unlock()
		return errors.NewAlreadyStartedError(h.kind.String(), state.String())
	}
	h.state = StateStarting
	h.initErr = nil
	h.mu.Unlock()

	common.EngineLogger.Infof("Starting %s engine for %s", h.kind, resource)

	command, args, err := h.launcher.Prepare(ctx, interpreter)
	if err != nil {
		h.revertToIdle()
		return errors.NewStartupError(h.kind.String(), resource, err)
	}

	session := h.newSession(command, args, resource)

	h.mu.Lock()
	if h.state == StateDisposed {
		h.mu.Unlock()
		return nil
	}
	h.session = session
	h.mu.Unlock()

	if err := session.Start(ctx); err != nil {
		h.revertToIdle()
		return errors.NewStartupError(h.kind.String(), resource, err)
	}

	h.mu.Lock()
	if h.state == StateDisposed {
		h.mu.Unlock()
		// Disposed while the process was spawning; tear it down again.
		if err := session.Stop(); err != nil {
			common.EngineLogger.Warnf("Failed to stop %s engine session: %v", h.kind, err)
		}
		return nil
	}
	h.mu.Unlock()

	// The handshake runs on its own goroutine so the wait below stays
	// bounded by disposal alone. Disposal stops the session, which fails
	// the handshake, which the wait observes as already-disposed.
	go func() {
		if err := session.Initialize(context.Background(), resource); err != nil {
			h.mu.Lock()
			h.initErr = err
			h.mu.Unlock()
		}
	}()

	ready, err := h.waitReady(session)
	if err != nil {
		h.revertToIdle()
		return errors.NewStartupError(h.kind.String(), resource, err)
	}
	if !ready {
		return nil
	}

	h.mu.Lock()
	if h.state == StateDisposed {
		h.mu.Unlock()
		return nil
	}
	h.state = StateReady
	h.activated = true
	h.mu.Unlock()

	h.registerNotificationHandlers(session)
	for _, activator := range h.activators {
		if err := activator.Activate(h); err != nil {
			common.EngineLogger.Warnf("Activator failed for %s engine: %v", h.kind, err)
		}
	}

	common.EngineLogger.Infof("%s engine ready for %s", h.kind, resource)
	return nil
}

// waitReady polls the session until it reports ready, the handshake fails,
// or the handle is disposed. There is deliberately no timeout.
func (h *ServerHandle) waitReady(session lsp.Session) (bool, error) {
	ticker := time.NewTicker(h.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.disposedCh:
			return false, nil
		case <-ticker.C:
			h.mu.Lock()
			state := h.state
			initErr := h.initErr
			h.mu.Unlock()

			// Disposal wins over a handshake error it caused itself.
			if state == StateDisposed {
				return false, nil
			}
			if initErr != nil {
				return false, initErr
			}
			if session.IsActive() {
				return true, nil
			}
		}
	}
}

// Dispose stops the session best-effort and releases registrations.
// Idempotent; callable from any state.
func (h *ServerHandle) Dispose() {
	h.mu.Lock()
	if h.state == StateDisposed {
		h.mu.Unlock()
		return
	}
	h.state = StateDisposed
	session := h.session
	activated := h.activated
	close(h.disposedCh)
	h.mu.Unlock()

	if session != nil {
		if err := session.Stop(); err != nil {
			common.EngineLogger.Warnf("Failed to stop %s engine session: %v", h.kind, err)
		}
	}

	if activated {
		for _, activator := range h.activators {
			activator.Deactivate()
		}
	}

	common.EngineLogger.Infof("%s engine disposed", h.kind)
}

func (h *ServerHandle) Rename(ctx context.Context, params *protocol.RenameParams) (json.RawMessage, error) {
	return h.request(ctx, lsp.MethodTextDocumentRename, params)
}

func (h *ServerHandle) Definition(ctx context.Context, params *protocol.DefinitionParams) (json.RawMessage, error) {
	return h.request(ctx, lsp.MethodTextDocumentDefinition, params)
}

func (h *ServerHandle) Hover(ctx context.Context, params *protocol.HoverParams) (json.RawMessage, error) {
	return h.request(ctx, lsp.MethodTextDocumentHover, params)
}

func (h *ServerHandle) References(ctx context.Context, params *protocol.ReferenceParams) (json.RawMessage, error) {
	return h.request(ctx, lsp.MethodTextDocumentReferences, params)
}

func (h *ServerHandle) Completion(ctx context.Context, params *protocol.CompletionParams) (json.RawMessage, error) {
	return h.request(ctx, lsp.MethodTextDocumentCompletion, params)
}

func (h *ServerHandle) CodeLens(ctx context.Context, params *protocol.CodeLensParams) (json.RawMessage, error) {
	return h.request(ctx, lsp.MethodTextDocumentCodeLens, params)
}

func (h *ServerHandle) DocumentSymbols(ctx context.Context, params *protocol.DocumentSymbolParams) (json.RawMessage, error) {
	return h.request(ctx, lsp.MethodTextDocumentDocumentSymbol, params)
}

func (h *ServerHandle) SignatureHelp(ctx context.Context, params *protocol.SignatureHelpParams) (json.RawMessage, error) {
	return h.request(ctx, lsp.MethodTextDocumentSignatureHelp, params)
}

func (h *ServerHandle) DidOpen(ctx context.Context, params *protocol.DidOpenTextDocumentParams) error {
	return h.notify(ctx, lsp.MethodTextDocumentDidOpen, params)
}

func (h *ServerHandle) DidChange(ctx context.Context, params *protocol.DidChangeTextDocumentParams) error {
	return h.notify(ctx, lsp.MethodTextDocumentDidChange, params)
}

func (h *ServerHandle) DidClose(ctx context.Context, params *protocol.DidCloseTextDocumentParams) error {
	return h.notify(ctx, lsp.MethodTextDocumentDidClose, params)
}

// request passes a capability call through to the engine. Handles that are
// not Ready answer (nil, nil) so callers degrade without errors.
func (h *ServerHandle) request(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	session, ready := h.readySession()
	if !ready {
		return nil, nil
	}
	return session.SendRequest(ctx, method, params)
}

func (h *ServerHandle) notify(ctx context.Context, method string, params interface{}) error {
	session, ready := h.readySession()
	if !ready {
		return nil
	}
	return session.SendNotification(ctx, method, params)
}

func (h *ServerHandle) readySession() (lsp.Session, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != StateReady || h.session == nil {
		return nil, false
	}
	return h.session, true
}

func (h *ServerHandle) revertToIdle() {
	h.mu.Lock()
	if h.state == StateStarting {
		h.state = StateIdle
	}
	h.mu.Unlock()
}

func (h *ServerHandle) registerNotificationHandlers(session lsp.Session) {
	session.OnNotification(lsp.MethodProgress, func(params json.RawMessage) {
		common.EngineLogger.Debugf("%s engine progress: %s", h.kind, params)
	})
	session.OnNotification(lsp.MethodWindowLogMessage, func(params json.RawMessage) {
		common.EngineLogger.Debugf("%s engine log: %s", h.kind, params)
	})
}
