package ai

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"hydration-queue/internal/domain/model"
	"hydration-queue/internal/domain/ports/adapter"
)

// Compile-time assurance this adapter satisfies the port
var _ adapter.AnalysisProvider = (*OpenAIAdapter)(nil)

// OpenAIAdapter calls the Chat Completions API. Any OpenAI-compatible
// gateway works when baseURL is set.
type OpenAIAdapter struct {
	client openai.Client
	model  string
}

func NewOpenAIAdapter(apiKey, model, baseURL string) (*OpenAIAdapter, error) {
	if apiKey == "" {
		return nil, errors.New("openai api key empty")
	}
	if model == "" {
		model = "gpt-4o-mini"
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimRight(baseURL, "/")+"/"))
	}
	return &OpenAIAdapter{client: openai.NewClient(opts...), model: model}, nil
}

func (o *OpenAIAdapter) Name() string { return "openai" }

func (o *OpenAIAdapter) Analyze(ctx context.Context, req adapter.AnalysisRequest) (model.AnalysisResult, error) {
	var user openai.ChatCompletionMessageParamUnion
	if len(req.Image) > 0 {
		dataURL := "data:" + req.MimeType + ";base64," + base64.StdEncoding.EncodeToString(req.Image)
		user = openai.UserMessage([]openai.ChatCompletionContentPartUnionParam{
			openai.TextContentPart(req.Prompt),
			openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{URL: dataURL}),
		})
	} else {
		user = openai.UserMessage(req.Prompt)
	}

	resp, err := o.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(o.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage("Answer with a single JSON object and nothing else."),
			user,
		},
	})
	if err != nil {
		return model.AnalysisResult{}, err
	}
	for _, c := range resp.Choices {
		if c.Message.Content != "" {
			return ParseResult(c.Message.Content)
		}
	}
	return model.AnalysisResult{}, errors.New("no choice content")
}
