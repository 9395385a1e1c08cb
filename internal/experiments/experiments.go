// Package experiments assigns this installation to A/B cohorts. Bucketing
// is deterministic per machine: a persisted UUID hashed with the
// experiment salt lands in one of 100 buckets, and an experiment claims a
// bucket range. Cohorts only steer defaults; explicit configuration
// always wins over them.
package experiments

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"pyls-broker/internal/common"
	"pyls-broker/internal/state"
	"pyls-broker/internal/telemetry"
)

// Well-known experiment names.
const (
	// JediLSP members default to the lightweight jedi engine.
	JediLSP = "jedi-lsp"
	// JediLSPControl members keep the default behavior; membership is
	// only reported.
	JediLSPControl = "jedi-lsp-control"
)

// Experiment claims the bucket range [Min, Max) out of 100.
type Experiment struct {
	Name string `yaml:"name"`
	Salt string `yaml:"salt,omitempty"`
	Min  int    `yaml:"min"`
	Max  int    `yaml:"max"`
}

// Service answers cohort membership queries for this machine.
type Service struct {
	mu          sync.Mutex
	experiments []Experiment
	machineID   string
	reporter    telemetry.Reporter
	notified    map[string]bool
}

// NewService loads experiment definitions from path and resolves the
// machine identity from the store, minting and persisting a UUID on first
// run. A missing definitions file simply means no experiments.
func NewService(path string, store state.Store, reporter telemetry.Reporter) (*Service, error) {
	s := &Service{
		reporter: reporter,
		notified: make(map[string]bool),
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read experiments file: %w", err)
			}
		} else {
			var file struct {
				Experiments []Experiment `yaml:"experiments"`
			}
			if err := yaml.Unmarshal(data, &file); err != nil {
				return nil, fmt.Errorf("failed to parse experiments file: %w", err)
			}
			s.experiments = file.Experiments
		}
	}

	s.machineID = resolveMachineID(store)
	return s, nil
}

func resolveMachineID(store state.Store) string {
	if store != nil {
		if id, ok := store.GetString(state.KeyMachineID); ok && id != "" {
			return id
		}
	}

	id := uuid.NewString()
	if store != nil {
		if err := store.SetString(state.KeyMachineID, id); err != nil {
			common.BrokerLogger.Warnf("failed to persist machine id: %v", err)
		}
	}
	return id
}

// InExperiment reports whether this machine is in the named cohort.
func (s *Service) InExperiment(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, exp := range s.experiments {
		if exp.Name != name {
			continue
		}
		bucket := s.bucketFor(exp)
		return bucket >= exp.Min && bucket < exp.Max
	}
	return false
}

// NotifyIfInExperiment emits a one-shot membership telemetry event for the
// named cohort. Repeat calls in the same process are no-ops.
func (s *Service) NotifyIfInExperiment(name string) {
	if !s.InExperiment(name) {
		return
	}

	s.mu.Lock()
	if s.notified[name] {
		s.mu.Unlock()
		return
	}
	s.notified[name] = true
	s.mu.Unlock()

	telemetry.Capture(s.reporter, telemetry.Event{
		Name:       telemetry.EventExperimentMembership,
		Properties: map[string]string{"experiment": name},
	})
}

// bucketFor hashes the machine identity with the experiment salt into one
// of 100 buckets.
func (s *Service) bucketFor(exp Experiment) int {
	salt := exp.Salt
	if salt == "" {
		salt = exp.Name
	}

	sum := sha256.Sum256([]byte(s.machineID + salt))
	return int(binary.BigEndian.Uint64(sum[:8]) % 100)
}
