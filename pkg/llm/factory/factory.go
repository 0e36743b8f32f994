// Package factory constructs inference clients with their full middleware
// chain: provider SDK wrapped by quota limiting, metrics and retry.
package factory

import (
	"fmt"

	"appforge/pkg/config"
	"appforge/pkg/limiter"
	"appforge/pkg/llm"
	"appforge/pkg/llm/anthropic"
	"appforge/pkg/llm/google"
	"appforge/pkg/llm/ollama"
	"appforge/pkg/llm/openai"
	"appforge/pkg/metrics"
	"appforge/pkg/utils"
)

// Factory builds clients that share one limiter and one metrics recorder so
// quota and observability are enforced process-wide.
type Factory struct {
	limiter  *limiter.Limiter
	recorder *metrics.Recorder
	counter  *utils.TokenCounter
}

// New creates a client factory.
func New(lim *limiter.Limiter, recorder *metrics.Recorder) (*Factory, error) {
	counter, err := utils.NewTokenCounter()
	if err != nil {
		return nil, fmt.Errorf("failed to create token counter: %w", err)
	}
	return &Factory{limiter: lim, recorder: recorder, counter: counter}, nil
}

// ClientForModel returns a fully wrapped client for the named model.
// agentID labels the metrics this client emits.
func (f *Factory) ClientForModel(modelName, agentID string) (llm.Client, error) {
	model, err := config.GetModel(modelName)
	if err != nil {
		return nil, err
	}

	raw, err := rawClient(model)
	if err != nil {
		return nil, err
	}

	// Order matters: each retry attempt must pass the limiter and be
	// recorded individually, so retry wraps the others.
	var client llm.Client = raw
	client = llm.NewLimitedClient(client, f.limiter, f.counter, model)
	client = llm.NewMeteredClient(client, f.recorder, agentID)
	client = llm.NewRetryingClient(client)
	return client, nil
}

func rawClient(model config.ModelCfg) (llm.Client, error) {
	switch model.Provider {
	case config.ProviderAnthropic:
		key, err := config.GetSecret("ANTHROPIC_API_KEY")
		if err != nil {
			return nil, err
		}
		return anthropic.New(key, model.Name), nil
	case config.ProviderOpenAI:
		key, err := config.GetSecret("OPENAI_API_KEY")
		if err != nil {
			return nil, err
		}
		return openai.New(key, model.Name), nil
	case config.ProviderGoogle:
		key, err := config.GetSecret("GEMINI_API_KEY")
		if err != nil {
			return nil, err
		}
		return google.New(key, model.Name), nil
	case config.ProviderOllama:
		host, err := config.GetSecret("OLLAMA_HOST")
		if err != nil {
			host = "http://localhost:11434"
		}
		return ollama.New(host, model.Name), nil
	default:
		return nil, fmt.Errorf("unknown provider %q for model %s", model.Provider, model.Name)
	}
}
