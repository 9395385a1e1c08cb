// Package gateway serves the broker's engines over HTTP JSON-RPC so local
// clients can ask for Python IntelliSense without speaking LSP stdio
// themselves.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"mime"
	"net"
	"net/http"
	"time"

	"go.lsp.dev/protocol"
	"go.lsp.dev/uri"

	"pyls-broker/internal/broker"
	"pyls-broker/internal/common"
	"pyls-broker/internal/engine"
	"pyls-broker/internal/lsp"
	"pyls-broker/internal/version"
)

const (
	defaultReadTimeout = 30 * time.Second
	// Analysis engine requests on cold caches can be slow; the write
	// timeout must outlast the slowest of them.
	defaultWriteTimeout  = 3 * time.Minute
	defaultHeaderTimeout = 5 * time.Second
	defaultIdleTimeout   = 60 * time.Second
	shutdownTimeout      = 30 * time.Second
)

// Broker is the engine access surface the gateway serves.
type Broker interface {
	Activate(ctx context.Context, resource uri.URI) (engine.Handle, error)
	Get(ctx context.Context, resource uri.URI, interpreter string) (engine.Handle, error)
	Status() broker.Status
}

// HTTPGateway exposes /jsonrpc, /health and /status on one listener.
type HTTPGateway struct {
	broker   Broker
	server   *http.Server
	listener net.Listener
}

// NewHTTPGateway creates a gateway bound to addr once Start is called.
func NewHTTPGateway(addr string, b Broker) *HTTPGateway {
	g := &HTTPGateway{broker: b}

	mux := http.NewServeMux()
	mux.HandleFunc("/jsonrpc", g.handleJSONRPC)
	mux.HandleFunc("/health", g.handleHealth)
	mux.HandleFunc("/status", g.handleStatus)

	g.server = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  defaultReadTimeout,
		WriteTimeout: defaultWriteTimeout,
		// Bound header reads and keep-alives against slowloris clients.
		ReadHeaderTimeout: defaultHeaderTimeout,
		IdleTimeout:       defaultIdleTimeout,
	}

	return g
}

// Start binds the listener and serves on a goroutine.
func (g *HTTPGateway) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", g.server.Addr, err)
	}
	g.listener = ln

	go func() {
		if err := g.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			common.GatewayLogger.Errorf("HTTP server error: %v", err)
		}
	}()

	common.GatewayLogger.Infof("Gateway listening on %s", g.Address())
	return nil
}

// Stop shuts the server down, waiting up to shutdownTimeout for in-flight
// requests. The broker is owned by the caller and is not touched here.
func (g *HTTPGateway) Stop() error {
	ctx, cancel := common.CreateContext(shutdownTimeout)
	defer cancel()

	if err := g.server.Shutdown(ctx); err != nil {
		common.GatewayLogger.Errorf("HTTP server shutdown error: %v", err)
		return err
	}
	return nil
}

// Address returns the bound address, or the configured one before Start.
func (g *HTTPGateway) Address() string {
	if g.listener != nil {
		return g.listener.Addr().String()
	}
	return g.server.Addr
}

// Port returns the TCP port actually listened on, or 0 before Start.
func (g *HTTPGateway) Port() int {
	if g.listener == nil {
		return 0
	}
	if addr, ok := g.listener.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

func (g *HTTPGateway) handleJSONRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		g.writeResponse(w, CreateError(nil, NewInvalidRequestError("only POST is allowed")))
		return
	}

	if mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type")); err != nil || mt != "application/json" {
		g.writeResponse(w, CreateError(nil, NewInvalidRequestError("Content-Type must be application/json")))
		return
	}

	var req JSONRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.writeResponse(w, CreateError(nil, NewParseError(err.Error())))
		return
	}

	if req.JSONRPC != JSONRPCVersion {
		g.writeResponse(w, CreateError(req.ID, NewInvalidRequestError("jsonrpc must be 2.0")))
		return
	}
	if req.Method == "" {
		g.writeResponse(w, CreateError(req.ID, NewInvalidRequestError("method is required")))
		return
	}

	resource, rpcErr := extractResource(req.Params)
	if rpcErr != nil {
		g.writeResponse(w, CreateError(req.ID, rpcErr))
		return
	}

	switch req.Method {
	case lsp.MethodTextDocumentDidOpen, lsp.MethodTextDocumentDidChange, lsp.MethodTextDocumentDidClose:
		g.handleDocumentSync(r.Context(), w, req, resource)
	default:
		g.handleCapability(r.Context(), w, req, resource)
	}
}

func (g *HTTPGateway) handleCapability(ctx context.Context, w http.ResponseWriter, req JSONRPCRequest, resource uri.URI) {
	handle, err := g.broker.Activate(ctx, resource)
	if err != nil {
		g.writeResponse(w, CreateError(req.ID, NewEngineRPCError(err)))
		return
	}

	result, rpcErr := dispatch(ctx, handle, req.Method, req.Params)
	if rpcErr != nil {
		g.writeResponse(w, CreateError(req.ID, rpcErr))
		return
	}
	g.writeResponse(w, CreateSuccess(req.ID, result))
}

// handleDocumentSync forwards open/change/close notifications to engines
// that track documents. Engines without a DocumentSyncer just skip them.
func (g *HTTPGateway) handleDocumentSync(ctx context.Context, w http.ResponseWriter, req JSONRPCRequest, resource uri.URI) {
	handle, err := g.broker.Get(ctx, resource, "")
	if err != nil {
		g.writeResponse(w, CreateError(req.ID, NewEngineRPCError(err)))
		return
	}

	syncer, ok := handle.(engine.DocumentSyncer)
	if !ok {
		g.writeResponse(w, CreateSuccess(req.ID, nil))
		return
	}

	var syncErr error
	switch req.Method {
	case lsp.MethodTextDocumentDidOpen:
		var params protocol.DidOpenTextDocumentParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			g.writeResponse(w, CreateError(req.ID, NewInvalidParamsError(err.Error())))
			return
		}
		syncErr = syncer.DidOpen(ctx, &params)
	case lsp.MethodTextDocumentDidChange:
		var params protocol.DidChangeTextDocumentParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			g.writeResponse(w, CreateError(req.ID, NewInvalidParamsError(err.Error())))
			return
		}
		syncErr = syncer.DidChange(ctx, &params)
	case lsp.MethodTextDocumentDidClose:
		var params protocol.DidCloseTextDocumentParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			g.writeResponse(w, CreateError(req.ID, NewInvalidParamsError(err.Error())))
			return
		}
		syncErr = syncer.DidClose(ctx, &params)
	}

	if syncErr != nil {
		g.writeResponse(w, CreateError(req.ID, NewEngineRPCError(syncErr)))
		return
	}
	g.writeResponse(w, CreateSuccess(req.ID, nil))
}

// dispatch routes a capability request to the handle's typed method. A
// handle that is not ready answers with a null result, not an error.
func dispatch(ctx context.Context, handle engine.Handle, method string, params json.RawMessage) (json.RawMessage, *RPCError) {
	switch method {
	case lsp.MethodTextDocumentDefinition:
		var p protocol.DefinitionParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, NewInvalidParamsError(err.Error())
		}
		return capabilityResult(handle.Definition(ctx, &p))
	case lsp.MethodTextDocumentHover:
		var p protocol.HoverParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, NewInvalidParamsError(err.Error())
		}
		return capabilityResult(handle.Hover(ctx, &p))
	case lsp.MethodTextDocumentReferences:
		var p protocol.ReferenceParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, NewInvalidParamsError(err.Error())
		}
		return capabilityResult(handle.References(ctx, &p))
	case lsp.MethodTextDocumentCompletion:
		var p protocol.CompletionParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, NewInvalidParamsError(err.Error())
		}
		return capabilityResult(handle.Completion(ctx, &p))
	case lsp.MethodTextDocumentCodeLens:
		var p protocol.CodeLensParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, NewInvalidParamsError(err.Error())
		}
		return capabilityResult(handle.CodeLens(ctx, &p))
	case lsp.MethodTextDocumentDocumentSymbol:
		var p protocol.DocumentSymbolParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, NewInvalidParamsError(err.Error())
		}
		return capabilityResult(handle.DocumentSymbols(ctx, &p))
	case lsp.MethodTextDocumentSignatureHelp:
		var p protocol.SignatureHelpParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, NewInvalidParamsError(err.Error())
		}
		return capabilityResult(handle.SignatureHelp(ctx, &p))
	case lsp.MethodTextDocumentRename:
		var p protocol.RenameParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, NewInvalidParamsError(err.Error())
		}
		return capabilityResult(handle.Rename(ctx, &p))
	default:
		return nil, NewMethodNotFoundError(fmt.Sprintf("method %q is not served by this gateway", method))
	}
}

func capabilityResult(result json.RawMessage, err error) (json.RawMessage, *RPCError) {
	if err != nil {
		return nil, NewEngineRPCError(err)
	}
	return result, nil
}

// extractResource pulls the resource URI every /jsonrpc request must carry.
func extractResource(params json.RawMessage) (uri.URI, *RPCError) {
	var probe struct {
		TextDocument struct {
			URI string `json:"uri"`
		} `json:"textDocument"`
	}
	if len(params) == 0 || json.Unmarshal(params, &probe) != nil || probe.TextDocument.URI == "" {
		return "", NewInvalidParamsError("params.textDocument.uri is required")
	}
	return uri.URI(probe.TextDocument.URI), nil
}

func (g *HTTPGateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := g.broker.Status()

	health := map[string]interface{}{
		"status":  "healthy",
		"version": version.GetVersion(),
	}
	if status.CurrentKind != "" {
		health["engine"] = status.CurrentKind
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(health); err != nil {
		common.GatewayLogger.Errorf("Failed to encode health response: %v", err)
	}
}

func (g *HTTPGateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(g.broker.Status()); err != nil {
		common.GatewayLogger.Errorf("Failed to encode status response: %v", err)
	}
}

// writeResponse writes a JSON-RPC envelope; errors still travel as HTTP 200.
func (g *HTTPGateway) writeResponse(w http.ResponseWriter, response JSONRPCResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		common.GatewayLogger.Errorf("Failed to encode JSON-RPC response: %v", err)
	}
}
