package api

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/bedrock"
	"github.com/anthropics/anthropic-sdk-go/option"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"

	"github.com/kunho817/echelon/internal/config"
	"github.com/kunho817/echelon/pkg/models"
)

// Client is the production Invoker on the Anthropic SDK, with optional
// AWS Bedrock transport and per-level model selection from config.
type Client struct {
	inner   anthropic.Client
	cfg     *config.Config
	tracker *TokenTracker
	bedrock bool

	mu       sync.Mutex
	inflight map[string]context.CancelFunc

	debugLog func(format string, args ...interface{})
}

// NewClient creates an API client from the loaded configuration.
func NewClient(cfg *config.Config) (*Client, error) {
	var opts []option.RequestOption

	if cfg.Anthropic.UseBedrock {
		ctx := context.Background()

		var loadOpts []func(*awsconfig.LoadOptions) error
		if cfg.Anthropic.AWSRegion != "" {
			loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Anthropic.AWSRegion))
		}
		if cfg.Anthropic.AWSProfile != "" {
			loadOpts = append(loadOpts, awsconfig.WithSharedConfigProfile(cfg.Anthropic.AWSProfile))
		}

		opts = append(opts, bedrock.WithLoadDefaultConfig(ctx, loadOpts...))
	} else {
		apiKey := cfg.Anthropic.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("ANTHROPIC_API_KEY")
		}
		if apiKey == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY is not set")
		}
		opts = append(opts, option.WithAPIKey(apiKey))
	}

	return &Client{
		inner:    anthropic.NewClient(opts...),
		cfg:      cfg,
		tracker:  NewTokenTracker(),
		bedrock:  cfg.Anthropic.UseBedrock,
		inflight: make(map[string]context.CancelFunc),
		debugLog: func(format string, args ...interface{}) {},
	}, nil
}

// SetDebugLog sets the debug logging function.
func (c *Client) SetDebugLog(fn func(format string, args ...interface{})) {
	if fn != nil {
		c.debugLog = fn
	}
}

// Tracker returns the token tracker for this client.
func (c *Client) Tracker() *TokenTracker {
	return c.tracker
}

// Execute implements Invoker.
func (c *Client) Execute(ctx context.Context, level models.Level, req Request) (*Response, error) {
	model, maxTokens := c.paramsFor(level, req)

	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if req.TaskID != "" {
		c.register(req.TaskID, cancel)
		defer c.release(req.TaskID)
	}

	prompt := req.Prompt
	if req.Context != "" {
		prompt = req.Context + "\n\n" + req.Prompt
	}

	params := anthropic.MessageNewParams{
		Model:     model,
		MaxTokens: int64(maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	c.debugLog("[api.Execute] task=%s agent=%s level=%s model=%s max_tokens=%d",
		req.TaskID, req.AgentID, level, model, maxTokens)

	resp, err := c.inner.Messages.New(callCtx, params)
	if err != nil {
		if callCtx.Err() != nil && ctx.Err() == nil {
			return nil, fmt.Errorf("task %s: %w", req.TaskID, ErrCancelled)
		}
		return nil, fmt.Errorf("model invocation for task %s: %w", req.TaskID, err)
	}

	c.tracker.Add(resp.Usage.InputTokens, resp.Usage.OutputTokens)

	var content strings.Builder
	for _, block := range resp.Content {
		if variant, ok := block.AsAny().(anthropic.TextBlock); ok {
			content.WriteString(variant.Text)
		}
	}

	return &Response{
		Content: content.String(),
		Usage: Usage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
		},
	}, nil
}

// Cancel implements Invoker.
func (c *Client) Cancel(taskID string) bool {
	c.mu.Lock()
	cancel, ok := c.inflight[taskID]
	delete(c.inflight, taskID)
	c.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// CancelAll aborts every in-flight invocation. Used by mission cancel.
func (c *Client) CancelAll() int {
	c.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(c.inflight))
	for id, cancel := range c.inflight {
		cancels = append(cancels, cancel)
		delete(c.inflight, id)
	}
	c.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
	return len(cancels)
}

// paramsFor resolves the model and token budget for one request. Request
// overrides win, then the level's config, then the global default.
func (c *Client) paramsFor(level models.Level, req Request) (anthropic.Model, int) {
	lc := c.cfg.LevelFor(level)

	name := req.Model
	if name == "" {
		name = lc.Model
	}
	if name == "" {
		name = c.cfg.Anthropic.Model
	}
	model := anthropic.Model(name)
	if c.bedrock {
		model = translateModelForBedrock(model)
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = lc.MaxTokens
	}
	if maxTokens <= 0 {
		maxTokens = config.DefaultMaxTokens
	}
	return model, maxTokens
}

func (c *Client) register(taskID string, cancel context.CancelFunc) {
	c.mu.Lock()
	if prior, ok := c.inflight[taskID]; ok {
		prior()
	}
	c.inflight[taskID] = cancel
	c.mu.Unlock()
}

func (c *Client) release(taskID string) {
	c.mu.Lock()
	delete(c.inflight, taskID)
	c.mu.Unlock()
}

// translateModelForBedrock converts standard Anthropic model names to
// Bedrock cross-region inference profile format.
func translateModelForBedrock(model anthropic.Model) anthropic.Model {
	// Models newer than SDK v1.9.0 are spelled as literals; the SDK version
	// buildable with this module's Go toolchain has no constants for them.
	bedrockModels := map[anthropic.Model]string{
		anthropic.ModelClaudeSonnet4_20250514:         "us.anthropic.claude-sonnet-4-20250514-v1:0",
		anthropic.Model("claude-sonnet-4-5-20250929"): "us.anthropic.claude-sonnet-4-5-20250929-v1:0",
		anthropic.Model("claude-haiku-4-5-20251001"):  "us.anthropic.claude-haiku-4-5-20251001-v1:0",
		anthropic.ModelClaudeOpus4_1_20250805:         "us.anthropic.claude-opus-4-1-20250805-v1:0",
		anthropic.Model("claude-opus-4-5-20251101"):   "us.anthropic.claude-opus-4-5-20251101-v1:0",
		anthropic.ModelClaude3_7Sonnet20250219:        "us.anthropic.claude-3-7-sonnet-20250219-v1:0",
		anthropic.ModelClaude3_5Haiku20241022:         "us.anthropic.claude-3-5-haiku-20241022-v1:0",
	}

	if bedrockModel, ok := bedrockModels[model]; ok {
		return anthropic.Model(bedrockModel)
	}

	// Might already be Bedrock format or a custom model.
	return model
}
