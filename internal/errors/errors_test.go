package errors

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStartupErrorWrapping(t *testing.T) {
	cause := fmt.Errorf("spawn failed")
	err := NewStartupError("analysis", "file:///work/proj", cause)

	assert.Contains(t, err.Error(), "analysis")
	assert.Contains(t, err.Error(), "file:///work/proj")
	assert.Equal(t, cause, err.Unwrap())
	assert.True(t, IsStartupError(err))
}

func TestAlreadyStartedDetection(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"typed error", NewAlreadyStartedError("jedi", "Starting"), true},
		{"message pattern", fmt.Errorf("session already active"), true},
		{"unrelated", fmt.Errorf("no such file"), false},
		{"nil", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsAlreadyStartedError(tt.err))
		})
	}
}

func TestUnsupportedPlatformError(t *testing.T) {
	err := NewUnsupportedPlatformError([]string{"32-bit architecture", "low memory"})
	assert.Contains(t, err.Error(), "32-bit architecture; low memory")
	assert.True(t, IsUnsupportedPlatformError(err))
}

func TestDownloadErrorUnwrap(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	err := NewDownloadError("https://example.com/engine.tar.gz", cause)
	assert.Equal(t, cause, err.Unwrap())
	assert.True(t, IsDownloadError(err))
}

func TestConfigError(t *testing.T) {
	err := NewConfigError("log_level", `unknown level "loud"`)
	assert.Contains(t, err.Error(), "log_level")
	assert.Contains(t, err.Error(), "loud")
}

func TestSessionErrorUnwrap(t *testing.T) {
	cause := fmt.Errorf("broken pipe")
	err := NewSessionError("jedi-language-server", "communication", cause)
	assert.Contains(t, err.Error(), "jedi-language-server")
	assert.Contains(t, err.Error(), "communication")
	assert.Equal(t, cause, err.Unwrap())
}

func TestIsCancellationError(t *testing.T) {
	assert.True(t, IsCancellationError(context.Canceled))
	assert.True(t, IsCancellationError(fmt.Errorf("context canceled")))
	assert.False(t, IsCancellationError(fmt.Errorf("deadline exceeded")))
	assert.False(t, IsCancellationError(nil))
}

func TestWrapWithContext(t *testing.T) {
	assert.Nil(t, WrapWithContext("start", nil))

	wrapped := WrapWithContext("start", fmt.Errorf("boom"))
	assert.EqualError(t, wrapped, "start: boom")
}
