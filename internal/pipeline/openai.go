package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"github.com/casafone/voicegate/internal/metrics"
)

// OpenAIInterpreter backs the interpret stage with the OpenAI chat
// completions API. The model is asked for a one-line intent label followed
// by the spoken response.
type OpenAIInterpreter struct {
	client       openai.Client
	model        string
	systemPrompt string
}

// NewOpenAIInterpreter creates an interpreter using the given API key and
// model (e.g. gpt-4o-mini).
func NewOpenAIInterpreter(apiKey, model, systemPrompt string) *OpenAIInterpreter {
	return &OpenAIInterpreter{
		client:       openai.NewClient(option.WithAPIKey(apiKey)),
		model:        model,
		systemPrompt: systemPrompt,
	}
}

const intentInstruction = "Reply with the caller's intent on the first line as `intent: <label>`, then the spoken response on the following lines."

func (c *OpenAIInterpreter) Interpret(ctx context.Context, text string, sc SessionContext) (*IntentResult, error) {
	messages := []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(c.systemPrompt + "\n" + intentInstruction),
	}
	for _, t := range sc.Turns {
		messages = append(messages, openai.UserMessage(t.User), openai.AssistantMessage(t.Assistant))
	}
	messages = append(messages, openai.UserMessage(text))

	completion, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:    c.model,
		Messages: messages,
	})
	if err != nil {
		metrics.Errors.WithLabelValues("interpret", "openai").Inc()
		return nil, fmt.Errorf("openai chat: %w", err)
	}
	if len(completion.Choices) == 0 {
		return nil, fmt.Errorf("openai chat: empty response")
	}

	intent, response := parseIntentReply(completion.Choices[0].Message.Content)
	return &IntentResult{Intent: intent, ResponseText: response}, nil
}

// parseIntentReply splits the model output into intent label and response.
// Output without the intent line is used verbatim as the response.
func parseIntentReply(content string) (string, string) {
	content = strings.TrimSpace(content)
	line, rest, _ := strings.Cut(content, "\n")
	if !strings.HasPrefix(strings.ToLower(line), "intent:") {
		return "", content
	}
	label := strings.TrimSpace(line[len("intent:"):])
	return label, strings.TrimSpace(rest)
}
