package ai

import (
	"context"
	"strings"

	"sales-insight-service/internal/models"
)

// MockClient returns fixed car-dealership demo data so the full pipeline runs
// without external services. Output is deterministic per input.
type MockClient struct{}

func NewMock() *MockClient {
	return &MockClient{}
}

func (m *MockClient) Transcribe(_ context.Context, _ []byte, _ string) (*models.Transcription, error) {
	return &models.Transcription{
		Speakers: []models.Speaker{
			{
				ID: "speaker-1",
				Segments: []models.Segment{
					{ID: "speaker-1-0", Text: "Welcome in. I'm Tanaka, thanks for coming by today.", Start: 0.0, End: 4.2},
					{ID: "speaker-1-1", Text: "The hybrid model you asked about is right over here.", Start: 9.8, End: 13.5},
					{ID: "speaker-1-2", Text: "With the current campaign we can offer a trade-in bonus.", Start: 31.0, End: 35.4},
					{ID: "speaker-1-3", Text: "Could I get your phone number to send the estimate?", Start: 52.1, End: 55.0},
				},
			},
			{
				ID: "speaker-2",
				Segments: []models.Segment{
					{ID: "speaker-2-0", Text: "Hi, I'm Sato. I saw the hybrid on your website.", Start: 4.5, End: 8.9},
					{ID: "speaker-2-1", Text: "The fuel economy looks great, but the price is a bit above my budget.", Start: 14.0, End: 19.2},
					{ID: "speaker-2-2", Text: "A trade-in bonus would help. I'd like to discuss it with my family first.", Start: 36.0, End: 41.3},
					{ID: "speaker-2-3", Text: "Sure, it's 090-1234-5678.", Start: 55.5, End: 58.0},
				},
			},
		},
	}, nil
}

func (m *MockClient) RedactPII(_ context.Context, text string) (*models.PiiMaskedData, error) {
	entities := []models.PiiEntity{
		{Type: "PersonName", Text: "Tanaka", RedactedText: "[NAME]"},
		{Type: "PersonName", Text: "Sato", RedactedText: "[NAME]"},
		{Type: "PhoneNumber", Text: "090-1234-5678", RedactedText: "[PHONE]"},
	}
	masked := text
	var found []models.PiiEntity
	for _, e := range entities {
		if strings.Contains(masked, e.Text) {
			masked = strings.ReplaceAll(masked, e.Text, e.RedactedText)
			found = append(found, e)
		}
	}
	return &models.PiiMaskedData{FullText: masked, Entities: found}, nil
}

func (m *MockClient) AnalyzeSentiment(_ context.Context, maskedText string) (*models.SentimentData, error) {
	segments := []models.SentimentSegment{
		{Text: "The fuel economy looks great", Sentiment: "positive", Confidence: 0.91},
		{Text: "the price is a bit above my budget", Sentiment: "negative", Confidence: 0.84},
		{Text: "A trade-in bonus would help", Sentiment: "positive", Confidence: 0.78},
	}
	var kept []models.SentimentSegment
	for _, s := range segments {
		if strings.Contains(maskedText, s.Text) {
			kept = append(kept, s)
		}
	}
	return &models.SentimentData{Overall: "positive", Segments: kept}, nil
}

func (m *MockClient) Summarize(_ context.Context, _ *models.PiiMaskedData, _ *models.SentimentData) (*models.Summary, error) {
	return &models.Summary{
		KeyPoints: []string{
			"Customer came in after seeing the hybrid model on the website",
			"Fuel economy is the main draw, price is the main hesitation",
			"Trade-in campaign bonus was presented",
		},
		Concerns: []string{
			"Vehicle price exceeds the customer's stated budget",
			"Decision deferred to a family discussion",
		},
		NextActions: []string{
			"Send the written estimate including the trade-in bonus",
			"Follow up within a week after the family discussion",
		},
		SuccessFactors: []string{
			"Prepared the requested model for viewing before the visit",
			"Offered the campaign bonus at the moment price resistance surfaced",
		},
		ImprovementAreas: []string{
			"Quantify the fuel savings against the price gap",
		},
		Quotations: []models.Quotation{
			{SpeakerSegmentID: "speaker-2-1", TimeRange: "0:14-0:19", Text: "The fuel economy looks great, but the price is a bit above my budget."},
			{SpeakerSegmentID: "speaker-1-2", TimeRange: "0:31-0:35", Text: "With the current campaign we can offer a trade-in bonus."},
		},
	}, nil
}
