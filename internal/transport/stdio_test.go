package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pyls-broker/internal/errors"
	"pyls-broker/internal/lsp"
)

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }

func TestReadMessageFraming(t *testing.T) {
	payload := `{"jsonrpc":"2.0","id":"req_1","method":"textDocument/hover","params":{"line":3}}`
	frame := fmt.Sprintf(headerFormat, len(payload), payload)

	msg, err := readMessage(bufio.NewReader(strings.NewReader(frame)))
	require.NoError(t, err)

	assert.Equal(t, "2.0", msg.JSONRPC)
	assert.Equal(t, "req_1", msg.ID)
	assert.Equal(t, "textDocument/hover", msg.Method)
}

func TestReadMessageRejectsMissingHeader(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{
			name:  "no content length",
			input: "X-Other: 5\r\n\r\nhello",
		},
		{
			name:  "garbage length",
			input: "Content-Length: abc\r\n\r\n{}",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := readMessage(bufio.NewReader(strings.NewReader(tt.input)))
			assert.Error(t, err)
		})
	}
}

func TestWriteMessageFraming(t *testing.T) {
	var buf bytes.Buffer
	s := NewStdioSession("test-server", nil, "")
	s.stdin = nopWriteCloser{&buf}

	err := s.writeMessage(&jsonRPCMessage{
		JSONRPC: protocolVersion,
		ID:      "req_1",
		Method:  "textDocument/definition",
		Params:  map[string]interface{}{"line": 7},
	})
	require.NoError(t, err)

	msg, err := readMessage(bufio.NewReader(&buf))
	require.NoError(t, err)
	assert.Equal(t, "req_1", msg.ID)
	assert.Equal(t, "textDocument/definition", msg.Method)
}

func TestHandleResponseRouting(t *testing.T) {
	s := NewStdioSession("test-server", nil, "")

	pending := &pendingRequest{respCh: make(chan response, 1)}
	s.requests["req_7"] = pending

	s.handleResponse(&jsonRPCMessage{
		JSONRPC: protocolVersion,
		ID:      "req_7",
		Result:  map[string]interface{}{"ok": true},
	})

	select {
	case resp := <-pending.respCh:
		require.Nil(t, resp.err)
		assert.JSONEq(t, `{"ok":true}`, string(resp.result))
	default:
		t.Fatal("expected response on pending channel")
	}

	// The entry must be consumed exactly once.
	assert.Empty(t, s.requests)

	// Unknown ids are ignored.
	s.handleResponse(&jsonRPCMessage{JSONRPC: protocolVersion, ID: "req_99", Result: "x"})
}

func TestHandleResponseDeliversServerError(t *testing.T) {
	s := NewStdioSession("test-server", nil, "")

	pending := &pendingRequest{respCh: make(chan response, 1)}
	s.requests["req_2"] = pending

	s.handleResponse(&jsonRPCMessage{
		JSONRPC: protocolVersion,
		ID:      "req_2",
		Error:   &ResponseError{Code: -32601, Message: "method not found"},
	})

	resp := <-pending.respCh
	require.NotNil(t, resp.err)
	assert.Contains(t, resp.err.Error(), "method not found")
	assert.Equal(t, -32601, resp.err.Code)
}

func TestHandleNotificationDispatch(t *testing.T) {
	s := NewStdioSession("test-server", nil, "")

	received := make(chan json.RawMessage, 1)
	s.OnNotification("$/progress", func(params json.RawMessage) {
		received <- params
	})

	s.handleNotification(&jsonRPCMessage{
		JSONRPC: protocolVersion,
		Method:  "$/progress",
		Params:  map[string]interface{}{"token": "idx", "value": "begin"},
	})

	select {
	case params := <-received:
		assert.JSONEq(t, `{"token":"idx","value":"begin"}`, string(params))
	default:
		t.Fatal("expected notification handler to run")
	}

	// Methods without handlers are dropped without side effects.
	s.handleNotification(&jsonRPCMessage{JSONRPC: protocolVersion, Method: "window/logMessage"})
}

func TestServerConfigurationRequestAnswered(t *testing.T) {
	var buf bytes.Buffer
	s := NewStdioSession("test-server", nil, "")
	s.stdin = nopWriteCloser{&buf}

	s.handleServerRequest(&jsonRPCMessage{
		JSONRPC: protocolVersion,
		ID:      "srv_1",
		Method:  "workspace/configuration",
		Params: map[string]interface{}{
			"items": []interface{}{
				map[string]interface{}{"section": "python"},
				map[string]interface{}{"section": "python.analysis"},
			},
		},
	})

	reply, err := readMessage(bufio.NewReader(&buf))
	require.NoError(t, err)
	assert.Equal(t, "srv_1", reply.ID)

	sections, ok := reply.Result.([]interface{})
	require.True(t, ok)
	assert.Len(t, sections, 2)
}

func TestSendRequestBeforeStart(t *testing.T) {
	s := NewStdioSession("test-server", nil, "")

	_, err := s.SendRequest(context.Background(), "textDocument/hover", nil)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "not active")

	err = s.SendNotification(context.Background(), "textDocument/didOpen", nil)
	assert.Error(t, err)
}

func TestStartWhileActive(t *testing.T) {
	s := NewStdioSession("test-server", nil, "")
	s.active = true

	err := s.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already active")
}

func TestStartSpawnFailure(t *testing.T) {
	s := NewStdioSession("no-such-language-server", nil, "")

	err := s.Start(context.Background())
	require.Error(t, err)

	sessErr, ok := err.(*errors.SessionError)
	require.True(t, ok)
	assert.Equal(t, "start", sessErr.Type)
	assert.Equal(t, "no-such-language-server", sessErr.Command)
}

func TestSupportsRequiresHandshake(t *testing.T) {
	s := NewStdioSession("test-server", nil, "")
	s.capabilities = lsp.ServerCapabilities{HoverProvider: true}

	assert.False(t, s.Supports(lsp.MethodTextDocumentHover))
	assert.False(t, s.IsActive())

	s.active = true
	s.initialized = true

	assert.True(t, s.Supports(lsp.MethodTextDocumentHover))
	assert.False(t, s.Supports(lsp.MethodTextDocumentRename))
	assert.True(t, s.Supports(lsp.MethodTextDocumentDidOpen))
	assert.True(t, s.IsActive())
}

// cat echoes frames back verbatim: our request comes back looking like a
// server request, the session answers it with the same id, and that answer
// echoes back as the response to the original request.
func TestSessionRoundTripWithCat(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires cat")
	}
	if _, err := exec.LookPath("cat"); err != nil {
		t.Skip("cat not available")
	}

	s := NewStdioSession("cat", nil, "")
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := s.SendRequest(ctx, "test/echo", map[string]interface{}{"n": 1})
	require.NoError(t, err)
	assert.Nil(t, result)

	require.NoError(t, s.Stop())
	assert.False(t, s.IsActive())
}
