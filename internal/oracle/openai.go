package oracle

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"nutri-de-bolso/internal/metrics"
	"nutri-de-bolso/internal/repo"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

// ErrNoChoicesReturned is returned when the API answers without any choice.
var ErrNoChoicesReturned = errors.New("no choices returned")

// chatService is the subset of the OpenAI client we use.
type chatService interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// Config configures the OpenAI-backed oracle.
type Config struct {
	APIKey  string
	Model   string
	BaseURL string
	Timeout time.Duration
}

// OpenAI implements Oracle on the chat completions API.
type OpenAI struct {
	chat    chatService
	model   string
	logger  *slog.Logger
	metrics *metrics.Metrics
}

var _ Oracle = (*OpenAI)(nil)

// NewOpenAI builds the oracle. Retries are disabled; callers decide what to do on failure.
func NewOpenAI(cfg Config, logger *slog.Logger, metricRegistry *metrics.Metrics) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai api key is required")
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.Timeout))
	}
	client := openai.NewClient(opts...)
	return newOpenAI(&client.Chat.Completions, cfg.Model, logger, metricRegistry), nil
}

func newOpenAI(chat chatService, model string, logger *slog.Logger, metricRegistry *metrics.Metrics) *OpenAI {
	if model == "" {
		model = "gpt-4o"
	}
	return &OpenAI{
		chat:    chat,
		model:   model,
		logger:  logger.With("component", "oracle"),
		metrics: metricRegistry,
	}
}

// ExtractDiet turns a diet in text, image or PDF form into structured targets.
func (o *OpenAI) ExtractDiet(ctx context.Context, src DietSource) (repo.DietContent, error) {
	var user openai.ChatCompletionMessageParamUnion
	switch s := src.(type) {
	case DietText:
		user = openai.UserMessage(s.Text)
	case DietImage:
		user = openai.UserMessage([]openai.ChatCompletionContentPartUnionParam{
			openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{URL: dataURL(s.MimeType, s.Data)}),
			openai.TextContentPart(dietImageInstruction),
		})
	case DietPDF:
		filename := s.Filename
		if filename == "" {
			filename = "dieta.pdf"
		}
		user = openai.UserMessage([]openai.ChatCompletionContentPartUnionParam{
			openai.FileContentPart(openai.ChatCompletionContentPartFileFileParam{
				FileData: openai.String(dataURL("application/pdf", s.Data)),
				Filename: openai.String(filename),
			}),
			openai.TextContentPart(dietPDFInstruction),
		})
	default:
		return repo.DietContent{}, fmt.Errorf("extract diet: unsupported source %T", src)
	}

	op := "extract_diet_" + src.kind()
	content, err := o.complete(ctx, op, true, openai.SystemMessage(parseDietPrompt), user)
	if err != nil {
		return repo.DietContent{}, err
	}
	var diet repo.DietContent
	if err := decodeModelJSON(op, content, &diet); err != nil {
		return repo.DietContent{}, err
	}
	return diet, nil
}

// AnalyzeMeal identifies foods on a meal photo and estimates nutrients.
func (o *OpenAI) AnalyzeMeal(ctx context.Context, image []byte, mimeType string) (repo.MealAnalysis, error) {
	user := openai.UserMessage([]openai.ChatCompletionContentPartUnionParam{
		openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{URL: dataURL(mimeType, image)}),
	})
	const op = "analyze_meal"
	content, err := o.complete(ctx, op, true, openai.SystemMessage(analyzeMealPrompt), user)
	if err != nil {
		return repo.MealAnalysis{}, err
	}
	var analysis repo.MealAnalysis
	if err := decodeModelJSON(op, content, &analysis); err != nil {
		return repo.MealAnalysis{}, err
	}
	return analysis, nil
}

// AnswerQuestion answers a free-form question about the user's diet.
func (o *OpenAI) AnswerQuestion(ctx context.Context, diet repo.DietContent, question string) (string, error) {
	content, err := o.complete(ctx, "answer_question", false,
		openai.SystemMessage(systemPrompt),
		openai.UserMessage(buildQuestionPrompt(diet, question)),
	)
	if err != nil {
		return "", err
	}
	return orDefault(content, fallbackAnswer), nil
}

// DailyReport writes the end-of-day narrative.
func (o *OpenAI) DailyReport(ctx context.Context, diet repo.DietContent, totals repo.DailyTotals) (string, error) {
	content, err := o.complete(ctx, "daily_report", false,
		openai.SystemMessage(systemPrompt),
		openai.UserMessage(buildDailyReportPrompt(diet, totals)),
	)
	if err != nil {
		return "", err
	}
	return orDefault(content, fallbackReport), nil
}

// MealFeedback comments on a meal given what was eaten before it today.
func (o *OpenAI) MealFeedback(ctx context.Context, analysis repo.MealAnalysis, diet repo.DietContent, totals repo.DailyTotals) (string, error) {
	content, err := o.complete(ctx, "meal_feedback", false,
		openai.SystemMessage(systemPrompt),
		openai.UserMessage(buildMealFeedbackPrompt(analysis, diet, totals)),
	)
	if err != nil {
		return "", err
	}
	return orDefault(content, analysis.Feedback), nil
}

func (o *OpenAI) complete(ctx context.Context, op string, jsonMode bool, messages ...openai.ChatCompletionMessageParamUnion) (content string, err error) {
	started := time.Now()
	defer func() {
		o.metrics.ObserveOracle(op, started, err)
		if err != nil {
			o.logger.Warn("oracle call failed", "operation", op, "error", err, "duration", time.Since(started))
		}
	}()

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(o.model),
		Messages: messages,
	}
	if jsonMode {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		}
	}

	resp, err := o.chat.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("%s: chat completion: %w", op, err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return "", fmt.Errorf("%s: %w", op, ErrNoChoicesReturned)
	}
	return resp.Choices[0].Message.Content, nil
}

func decodeModelJSON(op, content string, dest any) error {
	trimmed := stripCodeFence(content)
	if trimmed == "" {
		return &ExtractionError{Operation: op, Content: content, Err: errors.New("empty response")}
	}
	if err := json.Unmarshal([]byte(trimmed), dest); err != nil {
		return &ExtractionError{Operation: op, Content: content, Err: err}
	}
	return nil
}

// stripCodeFence removes a ```json ... ``` wrapper some models add despite JSON mode.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func dataURL(mimeType string, data []byte) string {
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data)
}

func orDefault(s, fallback string) string {
	if strings.TrimSpace(s) == "" {
		return fallback
	}
	return s
}
