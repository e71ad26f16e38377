package agents

import (
	"context"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/schema"
	"go.uber.org/zap"

	"github.com/dyike/CortexFlow/internal/config"
	"github.com/dyike/CortexFlow/internal/llm"
	"github.com/dyike/CortexFlow/internal/tools"
)

// Deps carries everything an agent node needs. One instance is shared by
// every agent in a session pipeline.
type Deps struct {
	Cfg      *config.Config
	Registry *llm.Registry
	Toolkit  *tools.Toolkit
	Log      *zap.Logger
}

// Generate resolves the chat model bound to a role and runs one completion.
func (d *Deps) Generate(ctx context.Context, role llm.RoleKey, msgs []*schema.Message) (*schema.Message, error) {
	cm, err := d.Registry.Resolve(ctx, role)
	if err != nil {
		return nil, err
	}
	out, err := cm.Generate(ctx, msgs)
	if err != nil {
		return nil, fmt.Errorf("generate: %w", err)
	}
	return out, nil
}

// GenerateOr runs Generate and substitutes the fallback text when the model
// is unreachable or returns nothing. Sequential agents use it so a provider
// outage degrades the content instead of failing the session.
func (d *Deps) GenerateOr(ctx context.Context, role llm.RoleKey, msgs []*schema.Message, fallback string) (string, bool) {
	out, err := d.Generate(ctx, role, msgs)
	if err != nil {
		if ctx.Err() == nil {
			d.Log.Warn("model call failed, using fallback content",
				zap.String("role", string(role)), zap.Error(err))
		}
		return fallback, true
	}
	content := strings.TrimSpace(out.Content)
	if content == "" {
		return fallback, true
	}
	return content, false
}
