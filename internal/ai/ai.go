// Package ai wraps the speech and language model calls the analysis pipeline
// depends on. Production uses OpenAI; demo mode swaps in deterministic mocks.
package ai

import (
	"context"

	"sales-insight-service/internal/models"
)

// SpeechClient turns recorded audio into a speaker-separated transcription.
type SpeechClient interface {
	Transcribe(ctx context.Context, audio []byte, filename string) (*models.Transcription, error)
}

// LanguageClient covers the text analysis calls that run on transcripts.
type LanguageClient interface {
	// RedactPII masks personal information in the transcript text. Every
	// downstream consumer works from the returned masked text only.
	RedactPII(ctx context.Context, text string) (*models.PiiMaskedData, error)
	// AnalyzeSentiment scores the masked transcript.
	AnalyzeSentiment(ctx context.Context, maskedText string) (*models.SentimentData, error)
}

// Summarizer produces the structured conversation summary.
type Summarizer interface {
	Summarize(ctx context.Context, masked *models.PiiMaskedData, sentiment *models.SentimentData) (*models.Summary, error)
}
