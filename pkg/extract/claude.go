package extract

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

const claudeSystemPrompt = "You extract structured data from web pages. " +
	"Respond with a single JSON object matching the requested schema. " +
	"Use null for values not present on the page. No prose, no code fences."

const claudeMaxTokens = 2048

// messenger abstracts the single SDK call so tests can stub it.
type messenger interface {
	create(ctx context.Context, params sdk.MessageNewParams) (*sdk.Message, error)
}

type sdkMessenger struct {
	client sdk.Client
}

func (m *sdkMessenger) create(ctx context.Context, params sdk.MessageNewParams) (*sdk.Message, error) {
	return m.client.Messages.New(ctx, params)
}

// claudeClient implements Client by reading the page itself and asking
// Claude for JSON matching the schema. Used as a fallback provider when the
// hosted extract API is unavailable or disabled.
type claudeClient struct {
	reader Reader
	model  string
	msgs   messenger
}

// NewClaudeClient creates a Client backed by a Reader and the Anthropic API.
func NewClaudeClient(apiKey, model string, reader Reader) Client {
	return &claudeClient{
		reader: reader,
		model:  model,
		msgs: &sdkMessenger{
			client: sdk.NewClient(option.WithAPIKey(apiKey)),
		},
	}
}

func (c *claudeClient) Extract(ctx context.Context, req Request) (*Result, error) {
	markdown, err := c.reader.Fetch(ctx, req.URL)
	if err != nil {
		return nil, eris.Wrap(err, "extract: claude: fetch page")
	}

	var prompt strings.Builder
	prompt.WriteString(req.Prompt)
	prompt.WriteString("\n\nOutput JSON schema:\n")
	prompt.Write(req.Schema)
	prompt.WriteString("\n\nPage URL: ")
	prompt.WriteString(req.URL)
	prompt.WriteString("\nPage content:\n")
	prompt.WriteString(markdown)

	msg, err := c.msgs.create(ctx, sdk.MessageNewParams{
		Model:     sdk.Model(c.model),
		MaxTokens: claudeMaxTokens,
		System: []sdk.TextBlockParam{
			{Text: claudeSystemPrompt},
		},
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(prompt.String())),
		},
	})
	if err != nil {
		return nil, eris.Wrap(err, "extract: claude: create message")
	}

	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}

	data, err := CleanJSON(text)
	if err != nil {
		return nil, eris.Wrap(err, "extract: claude: parse response")
	}

	zap.L().Debug("claude extraction complete",
		zap.String("url", req.URL),
		zap.Int64("input_tokens", msg.Usage.InputTokens),
		zap.Int64("output_tokens", msg.Usage.OutputTokens),
	)

	return &Result{
		Data: data,
		Metadata: Metadata{
			CacheState: "miss",
			FetchedAt:  time.Now().UTC(),
		},
	}, nil
}

// CleanJSON strips markdown code fences and surrounding prose from a model
// response and validates that the remainder is a JSON value.
func CleanJSON(text string) (json.RawMessage, error) {
	s := strings.TrimSpace(text)

	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if idx := strings.LastIndex(s, "```"); idx >= 0 {
			s = s[:idx]
		}
		s = strings.TrimSpace(s)
	}

	// Tolerate prose before the object by locating the first brace.
	if !strings.HasPrefix(s, "{") && !strings.HasPrefix(s, "[") {
		if idx := strings.IndexAny(s, "{["); idx >= 0 {
			s = s[idx:]
		}
	}

	var check any
	if err := json.Unmarshal([]byte(s), &check); err != nil {
		return nil, eris.Wrap(err, "invalid JSON")
	}
	return json.RawMessage(s), nil
}
