package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"rsassistant/internal/models"
)

// LLMResolver is the optional classifier fallback. It implements the
// same Backend contract as the programmatic resolver; configuration
// decides whether it is wired in at all.
type LLMResolver struct {
	client *openai.Client
	model  string
}

// NewLLMResolver creates an LLM-backed policy resolver.
func NewLLMResolver(apiKey, model string) *LLMResolver {
	return &LLMResolver{
		client: openai.NewClient(apiKey),
		model:  model,
	}
}

const classifierSystemPrompt = `You classify reverse stock split notices.
Given the text of a filing or press release, answer with a single JSON object:
{"policy": "round_up" | "cash_in_lieu" | "unclear",
 "ratio": "N:M" or null,
 "effective_date": "YYYY-MM-DD" or null}
"round_up" means fractional post-split shares are rounded up to a whole share.
"cash_in_lieu" means fractional shares are paid out in cash.
Answer "unclear" unless the text states the disposition explicitly.
Respond with the JSON object only.`

type classifierAnswer struct {
	Policy        string  `json:"policy"`
	Ratio         *string `json:"ratio"`
	EffectiveDate *string `json:"effective_date"`
}

// Resolve asks the model to classify the document. A malformed answer
// downgrades to unclear instead of erroring; only transport failures
// propagate.
func (r *LLMResolver) Resolve(ctx context.Context, ticker, doc string) (Resolution, error) {
	res := Resolution{
		Policy:     models.PolicyUnclear,
		Confidence: models.ConfidenceLLM,
	}

	resp, err := r.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: r.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: classifierSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: fmt.Sprintf("Ticker: %s\n\n%s", ticker, clip(doc, 12000))},
		},
	})
	if err != nil {
		return res, fmt.Errorf("openai completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return res, fmt.Errorf("no response from openai")
	}

	var answer classifierAnswer
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.Trim(content, "` \n")
	if err := json.Unmarshal([]byte(content), &answer); err != nil {
		return res, nil
	}

	switch answer.Policy {
	case string(models.PolicyRoundUp):
		res.Policy = models.PolicyRoundUp
	case string(models.PolicyCashInLieu):
		res.Policy = models.PolicyCashInLieu
	}
	if answer.Ratio != nil {
		parts := strings.SplitN(*answer.Ratio, ":", 2)
		if len(parts) == 2 {
			res.Ratio = ratioFromStrings(strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1]))
		}
	}
	if answer.EffectiveDate != nil {
		if t, err := time.Parse("2006-01-02", *answer.EffectiveDate); err == nil {
			res.EffectiveDate = &t
		}
	}
	return res, nil
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
