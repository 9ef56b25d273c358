package executor

import (
	"fmt"
	"strings"
	"sync"

	"github.com/involvex/involvex-claude-router/internal/translator"
)

// Registry maps provider tags to executors. Fixed providers are
// registered at startup; the openai-compatible-* and
// anthropic-compatible-* families are built lazily, keyed by their full
// provider tag.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor

	reg      *translator.Registry
	runtime  *ProviderRuntime
	proxyURL string
}

// NewRegistry wires every built-in executor.
func NewRegistry(reg *translator.Registry, runtime *ProviderRuntime, proxyURL string) *Registry {
	r := &Registry{
		executors: make(map[string]Executor),
		reg:       reg,
		runtime:   runtime,
		proxyURL:  proxyURL,
	}

	for _, provider := range []string{"openai", "anthropic", "openrouter", "glm", "kimi", "minimax"} {
		r.executors[provider] = NewDefaultExecutor(provider, reg, proxyURL)
	}
	r.executors["github"] = NewCopilotExecutor(reg, runtime, proxyURL)
	r.executors["codex"] = NewCodexExecutor(reg, proxyURL)
	r.executors["cursor"] = NewCursorExecutor(reg, proxyURL)
	r.executors["claude-code"] = NewClaudeCodeExecutor(reg, proxyURL)
	r.executors["gemini"] = NewGeminiExecutor(reg, proxyURL)
	r.executors["gemini-cli"] = NewGeminiCLIExecutor("gemini-cli", reg, runtime, proxyURL)
	r.executors["antigravity"] = NewGeminiCLIExecutor("antigravity", reg, runtime, proxyURL)
	r.executors["qwen-code"] = NewQwenExecutor(reg, proxyURL)
	r.executors["iflow"] = NewIFlowExecutor(reg, proxyURL)
	r.executors["kiro"] = NewKiroExecutor(reg, proxyURL)

	return r
}

// Lookup returns the executor for a provider tag.
func (r *Registry) Lookup(provider string) (Executor, error) {
	r.mu.RLock()
	exec, ok := r.executors[provider]
	r.mu.RUnlock()
	if ok {
		return exec, nil
	}

	if strings.HasPrefix(provider, "openai-compatible-") || strings.HasPrefix(provider, "anthropic-compatible-") {
		r.mu.Lock()
		defer r.mu.Unlock()
		if exec, ok = r.executors[provider]; ok {
			return exec, nil
		}
		exec = NewDefaultExecutor(provider, r.reg, r.proxyURL)
		r.executors[provider] = exec
		return exec, nil
	}
	return nil, fmt.Errorf("executor: unknown provider %q", provider)
}
