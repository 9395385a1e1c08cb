package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.lsp.dev/uri"

	"pyls-broker/internal/common"
	"pyls-broker/internal/errors"
	"pyls-broker/internal/lsp"
	"pyls-broker/internal/version"
)

const (
	protocolVersion     = "2.0"
	headerFormat        = "Content-Length: %d\r\n\r\n%s"
	contentLengthPrefix = "Content-Length:"

	// Reading the server's stdout tolerates a few malformed frames before
	// the loop gives up and marks the session inactive.
	maxConsecutiveReadErrors = 5
)

// jsonRPCMessage is the wire shape shared by requests, responses and
// notifications.
type jsonRPCMessage struct {
	JSONRPC string         `json:"jsonrpc"`
	ID      interface{}    `json:"id,omitempty"`
	Method  string         `json:"method,omitempty"`
	Params  interface{}    `json:"params,omitempty"`
	Result  interface{}    `json:"result,omitempty"`
	Error   *ResponseError `json:"error,omitempty"`
}

// ResponseError is the error member of a JSON-RPC response.
type ResponseError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("server error %d: %s", e.Code, e.Message)
}

type response struct {
	result json.RawMessage
	err    *ResponseError
}

type pendingRequest struct {
	respCh chan response
}

// StdioSession speaks JSON-RPC to a language-server process over its
// standard streams. It implements lsp.Session.
type StdioSession struct {
	command string
	args    []string
	workDir string

	ctx    context.Context
	cancel context.CancelFunc

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	mu           sync.RWMutex
	active       bool
	initialized  bool
	capabilities lsp.ServerCapabilities
	requests     map[string]*pendingRequest
	nextID       int
	handlers     map[string][]func(params json.RawMessage)

	writeMu sync.Mutex

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewStdioSession prepares a session for the given command. Start must be
// called before any request is sent.
func NewStdioSession(command string, args []string, workDir string) *StdioSession {
	ctx, cancel := context.WithCancel(context.Background())
	return &StdioSession{
		command:  command,
		args:     args,
		workDir:  workDir,
		ctx:      ctx,
		cancel:   cancel,
		requests: make(map[string]*pendingRequest),
		handlers: make(map[string][]func(params json.RawMessage)),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start spawns the server process and begins the read loops. The session
// does not report active until Initialize completes the handshake.
func (s *StdioSession) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.active {
		s.mu.Unlock()
		return fmt.Errorf("session already active")
	}

	cmd := exec.CommandContext(s.ctx, s.command, s.args...)
	if s.workDir != "" {
		cmd.Dir = s.workDir
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		s.mu.Unlock()
		return errors.NewSessionError(s.command, "start", err)
	}

	s.cmd = cmd
	s.stdin = stdin
	s.stdout = stdout
	s.stderr = stderr
	s.active = true
	s.mu.Unlock()

	common.EngineLogger.Infof("Started language server process: %s (pid %d)", s.command, cmd.Process.Pid)

	go s.handleResponses()
	go s.logStderr()

	return nil
}

// Initialize performs the initialize/initialized handshake for rootPath and
// records the server's advertised capabilities.
func (s *StdioSession) Initialize(ctx context.Context, rootPath string) error {
	s.mu.RLock()
	if !s.active {
		s.mu.RUnlock()
		return fmt.Errorf("session not started")
	}
	if s.initialized {
		s.mu.RUnlock()
		return fmt.Errorf("session already initialized")
	}
	s.mu.RUnlock()

	rootURI := string(uri.File(rootPath))
	initParams := map[string]interface{}{
		"processId": os.Getpid(),
		"clientInfo": map[string]interface{}{
			"name":    "pyls-broker",
			"version": version.GetVersion(),
		},
		"rootPath": rootPath,
		"rootUri":  rootURI,
		"workspaceFolders": []map[string]interface{}{
			{
				"uri":  rootURI,
				"name": "workspace",
			},
		},
		"capabilities": map[string]interface{}{
			"textDocument": map[string]interface{}{
				"synchronization": map[string]interface{}{
					"didSave": true,
				},
				"completion": map[string]interface{}{
					"completionItem": map[string]interface{}{
						"snippetSupport": false,
					},
				},
				"hover": map[string]interface{}{
					"contentFormat": []string{"markdown", "plaintext"},
				},
				"signatureHelp":  map[string]interface{}{},
				"definition":     map[string]interface{}{},
				"references":     map[string]interface{}{},
				"documentSymbol": map[string]interface{}{},
				"codeLens":       map[string]interface{}{},
				"rename":         map[string]interface{}{},
			},
			"workspace": map[string]interface{}{
				"workspaceFolders": true,
				"configuration":    false,
			},
			"window": map[string]interface{}{
				"workDoneProgress": true,
			},
		},
		"trace": "off",
	}

	result, err := s.SendRequest(ctx, lsp.MethodInitialize, initParams)
	if err != nil {
		return fmt.Errorf("initialize request failed: %w", err)
	}

	caps, err := lsp.ParseCapabilities(result)
	if err != nil {
		// Capability detection failure shouldn't prevent initialization.
		common.EngineLogger.Warnf("Failed to parse server capabilities, continuing anyway: %v", err)
	}

	if err := s.SendNotification(ctx, lsp.MethodInitialized, map[string]interface{}{}); err != nil {
		return fmt.Errorf("initialized notification failed: %w", err)
	}

	s.mu.Lock()
	s.capabilities = caps
	s.initialized = true
	s.mu.Unlock()

	common.EngineLogger.Infof("Language server initialized for root %s", rootPath)
	return nil
}

// SendRequest sends a request and waits for the matching response.
func (s *StdioSession) SendRequest(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return nil, fmt.Errorf("session not active")
	}
	s.nextID++
	id := fmt.Sprintf("req_%d", s.nextID)
	pending := &pendingRequest{respCh: make(chan response, 1)}
	s.requests[id] = pending
	s.mu.Unlock()

	msg := jsonRPCMessage{
		JSONRPC: protocolVersion,
		ID:      id,
		Method:  method,
		Params:  params,
	}

	if err := s.writeMessage(&msg); err != nil {
		s.mu.Lock()
		delete(s.requests, id)
		s.mu.Unlock()
		return nil, errors.NewSessionError(s.command, "communication", err)
	}

	select {
	case resp := <-pending.respCh:
		if resp.err != nil {
			return nil, resp.err
		}
		return resp.result, nil
	case <-ctx.Done():
		s.mu.Lock()
		delete(s.requests, id)
		s.mu.Unlock()
		return nil, ctx.Err()
	case <-s.stopCh:
		return nil, fmt.Errorf("session stopped")
	}
}

// SendNotification sends a notification without waiting for a response.
func (s *StdioSession) SendNotification(ctx context.Context, method string, params interface{}) error {
	s.mu.RLock()
	if !s.active {
		s.mu.RUnlock()
		return fmt.Errorf("session not active")
	}
	s.mu.RUnlock()

	msg := jsonRPCMessage{
		JSONRPC: protocolVersion,
		Method:  method,
		Params:  params,
	}
	if err := s.writeMessage(&msg); err != nil {
		return errors.NewSessionError(s.command, "communication", err)
	}
	return nil
}

// IsActive reports whether the process is running and the handshake has
// completed.
func (s *StdioSession) IsActive() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active && s.initialized
}

// Supports reports whether the server advertised support for method.
func (s *StdioSession) Supports(method string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.initialized {
		return false
	}
	return lsp.SupportsMethod(s.capabilities, method)
}

// OnNotification registers a handler for server-initiated notifications.
// Handlers run on the read loop and must not block.
func (s *StdioSession) OnNotification(method string, handler func(params json.RawMessage)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = append(s.handlers[method], handler)
}

// Stop shuts the process down, politely first and forcefully if it lingers.
func (s *StdioSession) Stop() error {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return nil
	}
	s.active = false
	s.initialized = false
	s.mu.Unlock()

	close(s.stopCh)

	// Closing stdin asks the server to exit on its own.
	if s.stdin != nil {
		s.stdin.Close()
	}

	var stopErr error
	if s.cmd != nil && s.cmd.Process != nil {
		exited := make(chan error, 1)
		go func() {
			exited <- s.cmd.Wait()
		}()

		select {
		case <-exited:
		case <-time.After(8 * time.Second):
			common.EngineLogger.Warnf("Language server did not exit, sending interrupt (pid %d)", s.cmd.Process.Pid)
			if err := s.cmd.Process.Signal(os.Interrupt); err != nil {
				common.EngineLogger.Warnf("Failed to send interrupt: %v", err)
			}
			select {
			case <-exited:
			case <-time.After(2 * time.Second):
				common.EngineLogger.Warnf("Language server still running, killing (pid %d)", s.cmd.Process.Pid)
				if err := s.cmd.Process.Kill(); err != nil {
					common.EngineLogger.Errorf("Failed to kill process: %v", err)
				}
				select {
				case <-exited:
				case <-time.After(5 * time.Second):
					stopErr = errors.NewSessionError(s.command, "stop",
						fmt.Errorf("process did not exit after kill (pid %d)", s.cmd.Process.Pid))
				}
			}
		}
	}

	// Cancel only after the escalation above, otherwise the command
	// context kills the process before it can exit gracefully.
	s.cancel()

	if s.stdout != nil {
		s.stdout.Close()
	}
	if s.stderr != nil {
		s.stderr.Close()
	}

	s.failPending(fmt.Errorf("session stopped"))

	select {
	case <-s.doneCh:
	case <-time.After(2 * time.Second):
	}

	if stopErr != nil {
		return stopErr
	}

	common.EngineLogger.Infof("Language server session stopped: %s", s.command)
	return nil
}

// Done is closed when the read loop exits.
func (s *StdioSession) Done() <-chan struct{} {
	return s.doneCh
}

func (s *StdioSession) writeMessage(msg *jsonRPCMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.stdin == nil {
		return fmt.Errorf("session not active")
	}
	if _, err := fmt.Fprintf(s.stdin, headerFormat, len(data), data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

func (s *StdioSession) handleResponses() {
	defer close(s.doneCh)

	reader := bufio.NewReader(s.stdout)
	consecutiveErrors := 0

	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		msg, err := readMessage(reader)
		if err != nil {
			if err == io.EOF || strings.Contains(err.Error(), "file already closed") || strings.Contains(err.Error(), "use of closed") {
				common.EngineLogger.Infof("Language server closed its stdout: %s", s.command)
				s.markInactive()
				return
			}
			select {
			case <-s.stopCh:
				return
			default:
			}
			consecutiveErrors++
			common.EngineLogger.Warnf("Failed to read message (%d/%d): %v", consecutiveErrors, maxConsecutiveReadErrors, err)
			if consecutiveErrors >= maxConsecutiveReadErrors {
				common.EngineLogger.Errorf("Too many consecutive read errors, stopping read loop")
				s.markInactive()
				return
			}
			continue
		}
		consecutiveErrors = 0

		switch {
		case msg.ID != nil && msg.Method == "":
			s.handleResponse(msg)
		case msg.Method != "" && msg.ID == nil:
			s.handleNotification(msg)
		case msg.Method != "" && msg.ID != nil:
			s.handleServerRequest(msg)
		}
	}
}

func (s *StdioSession) handleResponse(msg *jsonRPCMessage) {
	id := fmt.Sprintf("%v", msg.ID)

	s.mu.Lock()
	pending, ok := s.requests[id]
	if ok {
		delete(s.requests, id)
	}
	s.mu.Unlock()

	if !ok {
		common.EngineLogger.Debugf("Received response for unknown request id %s", id)
		return
	}

	var resp response
	if msg.Error != nil {
		resp.err = msg.Error
	} else if msg.Result != nil {
		data, err := json.Marshal(msg.Result)
		if err != nil {
			resp.err = &ResponseError{Code: -32700, Message: fmt.Sprintf("failed to marshal result: %v", err)}
		} else {
			resp.result = data
		}
	}

	pending.respCh <- resp
}

func (s *StdioSession) handleNotification(msg *jsonRPCMessage) {
	s.mu.RLock()
	handlers := s.handlers[msg.Method]
	s.mu.RUnlock()

	if len(handlers) == 0 {
		return
	}

	var params json.RawMessage
	if msg.Params != nil {
		data, err := json.Marshal(msg.Params)
		if err != nil {
			common.EngineLogger.Warnf("Failed to marshal notification params for %s: %v", msg.Method, err)
			return
		}
		params = data
	}

	for _, handler := range handlers {
		handler(params)
	}
}

// handleServerRequest answers the few requests servers send back to the
// client. Configuration requests get an empty section per folder; anything
// else gets a null result so the server does not stall waiting for us.
func (s *StdioSession) handleServerRequest(msg *jsonRPCMessage) {
	var result interface{}
	if msg.Method == "workspace/configuration" {
		items := 1
		if params, ok := msg.Params.(map[string]interface{}); ok {
			if list, ok := params["items"].([]interface{}); ok && len(list) > 0 {
				items = len(list)
			}
		}
		sections := make([]interface{}, items)
		for i := range sections {
			sections[i] = map[string]interface{}{}
		}
		result = sections
	}

	reply := jsonRPCMessage{
		JSONRPC: protocolVersion,
		ID:      msg.ID,
		Result:  result,
	}
	if err := s.writeMessage(&reply); err != nil {
		common.EngineLogger.Warnf("Failed to answer server request %s: %v", msg.Method, err)
	}
}

func (s *StdioSession) markInactive() {
	s.mu.Lock()
	s.active = false
	s.initialized = false
	s.mu.Unlock()

	s.failPending(fmt.Errorf("language server exited"))
}

func (s *StdioSession) failPending(cause error) {
	s.mu.Lock()
	pending := s.requests
	s.requests = make(map[string]*pendingRequest)
	s.mu.Unlock()

	for id, req := range pending {
		select {
		case req.respCh <- response{err: &ResponseError{Code: -32099, Message: cause.Error()}}:
		default:
			common.EngineLogger.Debugf("Could not fail pending request %s", id)
		}
	}
}

func (s *StdioSession) logStderr() {
	scanner := bufio.NewScanner(s.stderr)
	for scanner.Scan() {
		common.EngineLogger.Debugf("[%s stderr] %s", s.command, scanner.Text())
	}
}

// readMessage reads one Content-Length framed JSON-RPC message.
func readMessage(reader *bufio.Reader) (*jsonRPCMessage, error) {
	var contentLength int
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			break
		}
		if strings.HasPrefix(line, contentLengthPrefix) {
			lengthStr := strings.TrimSpace(strings.TrimPrefix(line, contentLengthPrefix))
			contentLength, err = strconv.Atoi(lengthStr)
			if err != nil {
				return nil, fmt.Errorf("invalid Content-Length %q: %w", lengthStr, err)
			}
		}
	}

	if contentLength <= 0 {
		return nil, fmt.Errorf("missing Content-Length header")
	}

	body := make([]byte, contentLength)
	if _, err := io.ReadFull(reader, body); err != nil {
		return nil, fmt.Errorf("failed to read message body: %w", err)
	}

	var msg jsonRPCMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	return &msg, nil
}
