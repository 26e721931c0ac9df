// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package metarouter

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/jeranaias/modelmux/internal/config"
)

var (
	// ErrOracleUnavailable wraps every failure to obtain a decision from
	// the oracle. Callers never see it from Route; it is recorded and the
	// local router answers instead.
	ErrOracleUnavailable = errors.New("metarouter: oracle unavailable")

	// ErrBridgeTimeout is returned by Future.Await when the deadline passes
	// before the asynchronous call completes.
	ErrBridgeTimeout = errors.New("metarouter: timed out waiting for oracle")
)

// OracleRequest is a single chat completion against the oracle model.
type OracleRequest struct {
	System      string
	Prompt      string
	Temperature float64
	MaxTokens   int
	// JSON asks the oracle for a JSON object response.
	JSON bool
}

// Oracle is the large model consulted for routing decisions.
type Oracle interface {
	Complete(ctx context.Context, req OracleRequest) (string, error)
	// Name identifies the oracle model in decisions and stats.
	Name() string
}

// chatCompleter is the part of the OpenAI client the oracle uses.
type chatCompleter interface {
	New(ctx context.Context, params openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// OpenAIOracle consults an OpenAI (or compatible) chat model.
type OpenAIOracle struct {
	completions chatCompleter
	model       string
}

// NewOpenAIOracle creates an oracle from the meta-router settings. An
// empty API key is an error.
func NewOpenAIOracle(cfg config.MetaConfig, httpClient *http.Client) (*OpenAIOracle, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, fmt.Errorf("%w: api key required", ErrOracleUnavailable)
	}

	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if httpClient != nil {
		opts = append(opts, option.WithHTTPClient(httpClient))
	}
	client := openai.NewClient(opts...)

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &OpenAIOracle{completions: &client.Chat.Completions, model: model}, nil
}

// Name returns the oracle model name.
func (o *OpenAIOracle) Name() string { return o.model }

// Complete sends one chat completion and returns the message content.
func (o *OpenAIOracle) Complete(ctx context.Context, req OracleRequest) (string, error) {
	var messages []openai.ChatCompletionMessageParamUnion
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	messages = append(messages, openai.UserMessage(req.Prompt))

	params := openai.ChatCompletionNewParams{
		Model:       shared.ChatModel(o.model),
		Messages:    messages,
		Temperature: openai.Float(req.Temperature),
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.JSON {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		}
	}

	completion, err := o.completions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrOracleUnavailable, err)
	}
	if completion == nil || len(completion.Choices) == 0 {
		return "", fmt.Errorf("%w: empty completion", ErrOracleUnavailable)
	}
	return completion.Choices[0].Message.Content, nil
}
