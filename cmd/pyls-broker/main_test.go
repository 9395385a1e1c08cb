package main

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRunMainVersion(t *testing.T) {
	oldArgs := os.Args
	defer func() { os.Args = oldArgs }()

	os.Args = []string{"pyls-broker", "version"}
	assert.Equal(t, 0, runMain())
}

func TestRunMainUnknownCommand(t *testing.T) {
	oldArgs := os.Args
	defer func() { os.Args = oldArgs }()

	os.Args = []string{"pyls-broker", "no-such-command"}
	assert.Equal(t, 1, runMain())
}
