package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cloudwego/eino-ext/components/model/deepseek"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/dyike/CortexFlow/internal/config"
)

// RoleKey names an agent model slot.
type RoleKey string

const (
	RoleDeepThink  RoleKey = "deep_think"
	RoleQuickThink RoleKey = "quick_think"
	RoleSynthesis  RoleKey = "synthesis"
)

// ProviderKind selects the client factory for a provider row.
type ProviderKind string

const (
	KindOpenAICompatible ProviderKind = "openai_compatible"
	KindGoogle           ProviderKind = "google"
	KindAnthropic        ProviderKind = "anthropic"
)

// ErrProviderMissing means no enabled provider is bound for a role or its
// credentials are absent. Never retried.
var ErrProviderMissing = errors.New("no chat model provider resolvable")

// Provider is one configured upstream. The API key is stored encrypted.
type Provider struct {
	ID              int64
	Name            string
	Kind            ProviderKind
	BaseURL         string
	APIKeyEncrypted string
	EnabledModels   []string
	Priority        int
	Enabled         bool
}

// Masked returns the provider with its key rendered for admin surfaces.
func (p Provider) Masked(plainKey string) Provider {
	cp := p
	cp.APIKeyEncrypted = MaskSecret(plainKey)
	return cp
}

// Binding maps a role to (provider, model).
type Binding struct {
	Role       RoleKey
	ProviderID int64
	Model      string
}

// ProviderStore supplies provider and binding rows.
type ProviderStore interface {
	ListProviders(ctx context.Context) ([]Provider, error)
	ListBindings(ctx context.Context) ([]Binding, error)
}

// Registry resolves role keys to chat models. Resolved instances are cached
// until Reload; configuration mutations must call Reload.
type Registry struct {
	store ProviderStore
	enc   *Encryptor // nil when no secret key is configured
	cfg   *config.Config
	sink  UsageSink
	log   *zap.Logger

	// factory is replaceable in tests.
	factory func(ctx context.Context, kind ProviderKind, baseURL, apiKey, modelName string) (model.ToolCallingChatModel, error)

	mu    sync.RWMutex
	cache map[RoleKey]model.ToolCallingChatModel
}

func NewRegistry(store ProviderStore, enc *Encryptor, cfg *config.Config, sink UsageSink, log *zap.Logger) *Registry {
	return &Registry{
		store:   store,
		enc:     enc,
		cfg:     cfg,
		sink:    sink,
		log:     log.Named("llm"),
		factory: newChatModel,
		cache:   map[RoleKey]model.ToolCallingChatModel{},
	}
}

// Reload clears cached instances; the next Resolve re-reads configuration.
func (r *Registry) Reload() {
	r.mu.Lock()
	r.cache = map[RoleKey]model.ToolCallingChatModel{}
	r.mu.Unlock()
	r.log.Info("registry reloaded")
}

// Resolve returns the chat model bound to a role, falling back to the
// environment-configured provider of the same kind when the bound row fails
// credential checks.
func (r *Registry) Resolve(ctx context.Context, role RoleKey) (model.ToolCallingChatModel, error) {
	r.mu.RLock()
	if cm, ok := r.cache[role]; ok {
		r.mu.RUnlock()
		return cm, nil
	}
	r.mu.RUnlock()

	cm, err := r.build(ctx, role)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.cache[role] = cm
	r.mu.Unlock()
	return cm, nil
}

func (r *Registry) build(ctx context.Context, role RoleKey) (model.ToolCallingChatModel, error) {
	binding, provider, apiKey, err := r.lookup(ctx, role)
	if err != nil {
		r.log.Warn("bound provider unusable, trying environment fallback",
			zap.String("role", string(role)), zap.Error(err))
		binding, provider, apiKey, err = r.envFallback(role)
		if err != nil {
			return nil, err
		}
	}

	inner, err := r.factory(ctx, provider.Kind, provider.BaseURL, apiKey, binding.Model)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrProviderMissing, provider.Name, err)
	}
	return &trackedModel{
		inner:    inner,
		role:     role,
		provider: provider.Name,
		model:    binding.Model,
		sink:     r.sink,
		limiter:  rate.NewLimiter(rate.Limit(10), 10),
	}, nil
}

func (r *Registry) lookup(ctx context.Context, role RoleKey) (Binding, Provider, string, error) {
	if r.store == nil {
		return Binding{}, Provider{}, "", fmt.Errorf("%w: no provider store", ErrProviderMissing)
	}
	bindings, err := r.store.ListBindings(ctx)
	if err != nil {
		return Binding{}, Provider{}, "", fmt.Errorf("list bindings: %w", err)
	}
	var binding *Binding
	for i := range bindings {
		if bindings[i].Role == role {
			binding = &bindings[i]
			break
		}
	}
	if binding == nil {
		return Binding{}, Provider{}, "", fmt.Errorf("%w: role %s unbound", ErrProviderMissing, role)
	}

	providers, err := r.store.ListProviders(ctx)
	if err != nil {
		return Binding{}, Provider{}, "", fmt.Errorf("list providers: %w", err)
	}
	for _, p := range providers {
		if p.ID != binding.ProviderID {
			continue
		}
		if !p.Enabled {
			return Binding{}, Provider{}, "", fmt.Errorf("%w: provider %s disabled", ErrProviderMissing, p.Name)
		}
		if r.enc == nil {
			return Binding{}, Provider{}, "", fmt.Errorf("%w: no secret key to decrypt credentials", ErrProviderMissing)
		}
		apiKey, err := r.enc.Decrypt(p.APIKeyEncrypted)
		if err != nil || strings.TrimSpace(apiKey) == "" {
			return Binding{}, Provider{}, "", fmt.Errorf("%w: provider %s credentials unreadable", ErrProviderMissing, p.Name)
		}
		return *binding, p, apiKey, nil
	}
	return Binding{}, Provider{}, "", fmt.Errorf("%w: provider id %d not found", ErrProviderMissing, binding.ProviderID)
}

// envFallback builds an openai-compatible provider from environment keys.
func (r *Registry) envFallback(role RoleKey) (Binding, Provider, string, error) {
	modelName := "gpt-4o-mini"
	if role == RoleDeepThink {
		modelName = "o4-mini"
	}
	switch {
	case r.cfg != nil && r.cfg.OpenAIAPIKey != "":
		baseURL := r.cfg.OpenAIBaseURL
		if baseURL == "" {
			baseURL = "https://api.openai.com/v1"
		}
		p := Provider{Name: "openai-env", Kind: KindOpenAICompatible, BaseURL: baseURL, Enabled: true}
		return Binding{Role: role, Model: modelName}, p, r.cfg.OpenAIAPIKey, nil
	case r.cfg != nil && r.cfg.DeepSeekAPIKey != "":
		p := Provider{Name: "deepseek-env", Kind: KindOpenAICompatible, BaseURL: "https://api.deepseek.com/v1", Enabled: true}
		return Binding{Role: role, Model: "deepseek-chat"}, p, r.cfg.DeepSeekAPIKey, nil
	}
	return Binding{}, Provider{}, "", fmt.Errorf("%w: role %s", ErrProviderMissing, role)
}

// newChatModel is the production factory. Google and Anthropic providers are
// reached through their openai-compatible endpoints; DeepSeek URLs use the
// dedicated component for reasoning-content support.
func newChatModel(ctx context.Context, kind ProviderKind, baseURL, apiKey, modelName string) (model.ToolCallingChatModel, error) {
	if strings.Contains(baseURL, "deepseek") {
		return deepseek.NewChatModel(ctx, &deepseek.ChatModelConfig{
			APIKey:    apiKey,
			BaseURL:   baseURL,
			Model:     modelName,
			MaxTokens: 8192,
		})
	}
	maxTokens := 8192
	return openai.NewChatModel(ctx, &openai.ChatModelConfig{
		BaseURL:   baseURL,
		APIKey:    apiKey,
		Model:     modelName,
		MaxTokens: &maxTokens,
	})
}

// trackedModel wraps a chat model and emits a usage event per invocation.
type trackedModel struct {
	inner    model.ToolCallingChatModel
	role     RoleKey
	provider string
	model    string
	sink     UsageSink
	limiter  *rate.Limiter
}

func (m *trackedModel) Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	if err := m.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	start := time.Now()
	msg, err := m.inner.Generate(ctx, input, opts...)
	m.record(msg, err, time.Since(start))
	return msg, err
}

func (m *trackedModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	if err := m.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	start := time.Now()
	sr, err := m.inner.Stream(ctx, input, opts...)
	if err != nil {
		m.record(nil, err, time.Since(start))
	}
	return sr, err
}

func (m *trackedModel) WithTools(tools []*schema.ToolInfo) (model.ToolCallingChatModel, error) {
	bound, err := m.inner.WithTools(tools)
	if err != nil {
		return nil, err
	}
	cp := *m
	cp.inner = bound
	return &cp, nil
}

func (m *trackedModel) record(msg *schema.Message, err error, elapsed time.Duration) {
	if m.sink == nil {
		return
	}
	ev := UsageEvent{
		Role:      m.role,
		Provider:  m.provider,
		Model:     m.model,
		LatencyMS: elapsed.Milliseconds(),
		Success:   err == nil,
		At:        time.Now().UTC(),
	}
	if err != nil {
		ev.ErrorKind = errorKind(err)
	}
	if msg != nil && msg.ResponseMeta != nil && msg.ResponseMeta.Usage != nil {
		ev.PromptTokens = msg.ResponseMeta.Usage.PromptTokens
		ev.CompletionTokens = msg.ResponseMeta.Usage.CompletionTokens
	}
	m.sink.Record(ev)
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, ErrProviderMissing):
		return "provider_missing"
	default:
		return "provider_error"
	}
}
