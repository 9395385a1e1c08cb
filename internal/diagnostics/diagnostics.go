// Package diagnostics checks whether this host can run the downloadable
// analysis engine. A non-empty finding list means it cannot, and the
// broker falls back to the jedi engine. Probe failures degrade to
// "supported" so a flaky probe never blocks startup.
package diagnostics

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v3/mem"

	"pyls-broker/internal/common"
)

// Finding codes.
const (
	CodeUnsupportedArch = "unsupported_arch"
	CodeUnsupportedOS   = "unsupported_os"
	CodeLowMemory       = "low_memory"
)

// minimumMemoryBytes is the total-memory floor for the analysis engine.
const minimumMemoryBytes = 1 << 30 // 1 GiB

// Finding is one reason the analysis engine is unsupported here.
type Finding struct {
	Code    string
	Message string
}

func (f Finding) String() string {
	return fmt.Sprintf("%s: %s", f.Code, f.Message)
}

// Messages flattens findings for error construction and telemetry.
func Messages(findings []Finding) []string {
	out := make([]string, 0, len(findings))
	for _, f := range findings {
		out = append(out, f.Message)
	}
	return out
}

// Service probes the host platform. Probe functions are injectable for
// tests; NewService wires the real ones.
type Service struct {
	goos          string
	goarch        string
	virtualMemory func(ctx context.Context) (*mem.VirtualMemoryStat, error)
}

func NewService(goos, goarch string) *Service {
	return &Service{
		goos:          goos,
		goarch:        goarch,
		virtualMemory: mem.VirtualMemoryWithContext,
	}
}

// Diagnose returns the findings preventing the analysis engine from
// running on this host. Empty means supported.
func (s *Service) Diagnose(ctx context.Context) []Finding {
	var findings []Finding

	switch s.goarch {
	case "amd64", "arm64":
	default:
		findings = append(findings, Finding{
			Code:    CodeUnsupportedArch,
			Message: fmt.Sprintf("analysis engine requires a 64-bit architecture, found %s", s.goarch),
		})
	}

	switch s.goos {
	case "linux", "darwin", "windows":
	default:
		findings = append(findings, Finding{
			Code:    CodeUnsupportedOS,
			Message: fmt.Sprintf("analysis engine does not run on %s", s.goos),
		})
	}

	if vm, err := s.virtualMemory(ctx); err != nil {
		common.BrokerLogger.Debugf("memory probe failed, assuming supported: %v", err)
	} else if vm.Total < minimumMemoryBytes {
		findings = append(findings, Finding{
			Code:    CodeLowMemory,
			Message: fmt.Sprintf("analysis engine needs at least %d MiB of memory, found %d MiB", minimumMemoryBytes>>20, vm.Total>>20),
		})
	}

	return findings
}
