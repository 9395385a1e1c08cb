package gateway

import (
	"encoding/json"

	"pyls-broker/internal/errors"
)

// JSONRPCVersion is the protocol version accepted on /jsonrpc.
const JSONRPCVersion = "2.0"

// JSON-RPC error codes.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// LSP error codes surfaced through the gateway.
const (
	RequestCancelled = -32800 // Request was cancelled
)

// Broker error codes (range: -33000 to -33099).
const (
	EngineStartupFailure = -33001 // Engine failed to start for the resource
	EngineAlreadyStarted = -33002 // Startup called on a non-idle handle
	ProcessStartFailure  = -33003 // Engine process failed to spawn
	ProcessStopFailure   = -33004 // Engine process failed to stop
	CommunicationError   = -33005 // Engine stdio communication failed
	PlatformUnsupported  = -33010 // Host cannot run the analysis engine
	DownloadFailure      = -33011 // Analysis bundle download failed
)

// JSONRPCRequest is a JSON-RPC 2.0 request received over HTTP.
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// JSONRPCResponse is a JSON-RPC 2.0 response.
type JSONRPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

// RPCError is a JSON-RPC error object.
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// NewRPCError creates an RPCError with the given code and message.
func NewRPCError(code int, message string, data interface{}) *RPCError {
	return &RPCError{
		Code:    code,
		Message: message,
		Data:    data,
	}
}

// NewParseError creates a parse error (-32700).
func NewParseError(data interface{}) *RPCError {
	return NewRPCError(ParseError, "Parse error", data)
}

// NewInvalidRequestError creates an invalid request error (-32600).
func NewInvalidRequestError(data interface{}) *RPCError {
	return NewRPCError(InvalidRequest, "Invalid Request", data)
}

// NewMethodNotFoundError creates a method not found error (-32601).
func NewMethodNotFoundError(data interface{}) *RPCError {
	return NewRPCError(MethodNotFound, "Method not found", data)
}

// NewInvalidParamsError creates an invalid params error (-32602).
func NewInvalidParamsError(data interface{}) *RPCError {
	return NewRPCError(InvalidParams, "Invalid params", data)
}

// NewInternalRPCError creates an internal error (-32603).
func NewInternalRPCError(data interface{}) *RPCError {
	return NewRPCError(InternalError, "Internal error", data)
}

// NewEngineRPCError maps a typed broker error onto its JSON-RPC error
// code. Errors the broker does not type fall back to internal errors.
func NewEngineRPCError(err error) *RPCError {
	if err == nil {
		return nil
	}

	if startErr, ok := err.(*errors.StartupError); ok {
		return NewRPCError(EngineStartupFailure, startErr.Error(), map[string]string{
			"kind":     startErr.Kind,
			"resource": startErr.Resource,
		})
	}

	if startedErr, ok := err.(*errors.AlreadyStartedError); ok {
		return NewRPCError(EngineAlreadyStarted, startedErr.Error(), map[string]string{
			"kind":  startedErr.Kind,
			"state": startedErr.State,
		})
	}

	if platErr, ok := err.(*errors.UnsupportedPlatformError); ok {
		return NewRPCError(PlatformUnsupported, platErr.Error(), map[string]interface{}{
			"findings": platErr.Findings,
		})
	}

	if dlErr, ok := err.(*errors.DownloadError); ok {
		return NewRPCError(DownloadFailure, dlErr.Error(), map[string]string{
			"url": dlErr.URL,
		})
	}

	if sessErr, ok := err.(*errors.SessionError); ok {
		var code int
		switch sessErr.Type {
		case "start":
			code = ProcessStartFailure
		case "stop":
			code = ProcessStopFailure
		default:
			code = CommunicationError
		}
		return NewRPCError(code, sessErr.Error(), map[string]string{
			"command": sessErr.Command,
			"type":    sessErr.Type,
		})
	}

	if errors.IsCancellationError(err) {
		return NewRPCError(RequestCancelled, err.Error(), nil)
	}

	return NewInternalRPCError(err.Error())
}

// CreateSuccess builds a success response for id.
func CreateSuccess(id interface{}, result interface{}) JSONRPCResponse {
	return JSONRPCResponse{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Result:  result,
	}
}

// CreateError builds an error response for id.
func CreateError(id interface{}, rpcErr *RPCError) JSONRPCResponse {
	return JSONRPCResponse{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Error:   rpcErr,
	}
}
