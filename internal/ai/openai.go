package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	openai "github.com/sashabaranov/go-openai"

	"sales-insight-service/internal/apperr"
	"sales-insight-service/internal/models"
)

// OpenAIClient implements SpeechClient, LanguageClient, and Summarizer on the
// OpenAI API: Whisper for transcription and a chat model constrained to JSON
// output for the text analysis.
type OpenAIClient struct {
	client       *openai.Client
	chatModel    string
	whisperModel string
}

func NewOpenAI(apiKey, chatModel, whisperModel string) *OpenAIClient {
	return &OpenAIClient{
		client:       openai.NewClient(apiKey),
		chatModel:    chatModel,
		whisperModel: whisperModel,
	}
}

// Transcribe runs Whisper with verbose segment timestamps. Whisper does not
// separate speakers, so all segments land under a single speaker.
func (c *OpenAIClient) Transcribe(ctx context.Context, audio []byte, filename string) (*models.Transcription, error) {
	resp, err := c.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    c.whisperModel,
		FilePath: filename,
		Reader:   bytes.NewReader(audio),
		Format:   openai.AudioResponseFormatVerboseJSON,
	})
	if err != nil {
		return nil, apperr.Dependency("speech transcription", err)
	}

	speaker := models.Speaker{ID: "speaker-1"}
	for _, seg := range resp.Segments {
		speaker.Segments = append(speaker.Segments, models.Segment{
			ID:    "speaker-1-" + strconv.Itoa(seg.ID),
			Text:  seg.Text,
			Start: seg.Start,
			End:   seg.End,
		})
	}
	if len(speaker.Segments) == 0 && resp.Text != "" {
		speaker.Segments = append(speaker.Segments, models.Segment{
			ID:   "speaker-1-0",
			Text: resp.Text,
		})
	}
	return &models.Transcription{Speakers: []models.Speaker{speaker}}, nil
}

const redactPrompt = `You redact personal information from sales conversation transcripts.
Replace every person name, phone number, email address, physical address, and
ID number with a bracketed placeholder like [NAME] or [PHONE]. Respond with a
JSON object: {"fullText": "<redacted transcript>", "entities": [{"type": "...",
"text": "...", "redactedText": "..."}]}.`

func (c *OpenAIClient) RedactPII(ctx context.Context, text string) (*models.PiiMaskedData, error) {
	var masked models.PiiMaskedData
	if err := c.chatJSON(ctx, redactPrompt, text, &masked); err != nil {
		return nil, apperr.Dependency("pii redaction", err)
	}
	if masked.FullText == "" {
		return nil, apperr.Dependency("pii redaction", fmt.Errorf("empty redacted text"))
	}
	return &masked, nil
}

const sentimentPrompt = `You analyze the sentiment of sales conversation transcripts.
Classify the overall tone as positive, neutral, or negative, and score each
notable passage. Respond with a JSON object: {"overall": "...", "segments":
[{"text": "...", "sentiment": "...", "confidence": 0.0}]}.`

func (c *OpenAIClient) AnalyzeSentiment(ctx context.Context, maskedText string) (*models.SentimentData, error) {
	var sentiment models.SentimentData
	if err := c.chatJSON(ctx, sentimentPrompt, maskedText, &sentiment); err != nil {
		return nil, apperr.Dependency("sentiment analysis", err)
	}
	return &sentiment, nil
}

const summaryPrompt = `You summarize car sales conversations for sales coaching.
Given a redacted transcript and its sentiment analysis, respond with a JSON
object: {"keyPoints": [], "concerns": [], "nextActions": [], "successFactors":
[], "improvementAreas": [], "quotations": [{"speakerSegmentId": "",
"timeRange": "", "text": ""}]}. Keep each list short and concrete.`

func (c *OpenAIClient) Summarize(ctx context.Context, masked *models.PiiMaskedData, sentiment *models.SentimentData) (*models.Summary, error) {
	input := struct {
		Transcript string                `json:"transcript"`
		Sentiment  *models.SentimentData `json:"sentiment"`
	}{masked.FullText, sentiment}
	payload, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("marshal summary input: %w", err)
	}

	var summary models.Summary
	if err := c.chatJSON(ctx, summaryPrompt, string(payload), &summary); err != nil {
		return nil, apperr.Dependency("summarization", err)
	}
	return &summary, nil
}

func (c *OpenAIClient) chatJSON(ctx context.Context, system, user string, out any) error {
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.chatModel,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
	})
	if err != nil {
		return err
	}
	if len(resp.Choices) == 0 {
		return fmt.Errorf("empty completion")
	}
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), out); err != nil {
		return fmt.Errorf("parse completion json: %w", err)
	}
	return nil
}
