package broker

import (
	"go.lsp.dev/uri"

	"pyls-broker/internal/common"
	"pyls-broker/internal/config"
	"pyls-broker/internal/engine"
	"pyls-broker/internal/experiments"
	"pyls-broker/internal/state"
	"pyls-broker/internal/telemetry"
	"pyls-broker/internal/workspace"
)

// Gate decides which engine serves a resource.
type Gate interface {
	ShouldUseJedi(resource uri.URI) bool
}

// ConfigurationGate resolves the engine choice for a resource. An explicit
// use_jedi setting at any scope is authoritative; otherwise experiment
// membership decides, and failing that the hard default applies. Every call
// emits a selection event whose reason field collapses repeat outcomes,
// keyed off the last persisted choice.
type ConfigurationGate struct {
	config      *config.Manager
	experiments *experiments.Service
	registry    *workspace.Registry
	store       state.Store
	reporter    telemetry.Reporter
}

// NewConfigurationGate creates a gate backed by the given settings manager,
// experiment service, folder registry, state store and telemetry reporter.
func NewConfigurationGate(cfg *config.Manager, exps *experiments.Service, registry *workspace.Registry, store state.Store, reporter telemetry.Reporter) *ConfigurationGate {
	return &ConfigurationGate{
		config:      cfg,
		experiments: exps,
		registry:    registry,
		store:       store,
		reporter:    reporter,
	}
}

// ShouldUseJedi reports whether the lightweight engine should serve resource.
func (g *ConfigurationGate) ShouldUseJedi(resource uri.URI) bool {
	useJedi := g.decide(resource)
	g.reportSelection(useJedi)
	return useJedi
}

func (g *ConfigurationGate) decide(resource uri.URI) bool {
	folder := g.registry.FolderIdentifier(resource)
	if explicit := g.config.Inspect(folder).Explicit(); explicit != nil {
		return *explicit
	}

	if g.experiments != nil {
		if g.experiments.InExperiment(experiments.JediLSP) {
			return true
		}
		g.experiments.NotifyIfInExperiment(experiments.JediLSPControl)
	}

	return config.DefaultUseJedi
}

// reportSelection records the outcome and emits the selection event. The
// persisted last choice picks between the switched and unchanged variants;
// store failures are logged and never block the decision.
func (g *ConfigurationGate) reportSelection(useJedi bool) {
	kind := engine.KindAnalysis
	if useJedi {
		kind = engine.KindJedi
	}

	reason := "switched"
	if g.store != nil {
		if last, ok := g.store.GetString(state.KeyLastEngineKind); ok && last == kind.String() {
			reason = "unchanged"
		}
		if err := g.store.SetString(state.KeyLastEngineKind, kind.String()); err != nil {
			common.BrokerLogger.Warnf("Could not persist engine choice: %v", err)
		}
	}

	telemetry.Capture(g.reporter, telemetry.Event{
		Name: telemetry.EventEngineSelection,
		Properties: map[string]string{
			"engine": kind.String(),
			"reason": reason,
		},
	})
}
