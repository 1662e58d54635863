package llm

import "github.com/castellan/castellan/internal/config"

// New builds the full LlmClient decorator chain against cfg: base → resilience
// → strictJSON → telemetry → (optional) ensemble. Every layer owns its
// inner client; composition, not inheritance.
func New(cfg config.LLMConfig) Client {
	build := func(modelCfg config.LLMConfig) Client {
		var c Client = newBaseClient(modelCfg)
		c = newResilientClient(c, modelCfg.Resilience)
		c = newStrictJSONClient(c, modelCfg.StrictJSON)
		c = newTelemetryClient(c, modelCfg.Telemetry, modelCfg.Provider)
		return c
	}

	base := build(cfg)

	if !cfg.Ensemble.Enabled || len(cfg.Ensemble.Models) < 2 {
		return base
	}

	return newEnsembleClient(base, cfg.Ensemble, func(model string) Client {
		modelCfg := cfg
		modelCfg.Model = model
		return build(modelCfg)
	})
}
