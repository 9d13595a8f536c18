package tagging

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestDeriveTagsFromMetadata(t *testing.T) {
	meta := Derive(Job{
		DisplayName: "Quarterly_Report-2024.pdf",
		MediaType:   "application/pdf",
		SizeBytes:   2 << 20,
	}, nil)

	assert.Equal(t, []string{"document", "pdf", "medium"}, meta.Tags)
	assert.Equal(t, []string{"quarterly", "report", "2024"}, meta.Keywords)
	assert.Empty(t, meta.Summary)
}

func TestDeriveUnknownMediaType(t *testing.T) {
	meta := Derive(Job{DisplayName: "archive", MediaType: "application/zip", SizeBytes: 10}, nil)
	assert.Equal(t, []string{"small"}, meta.Tags)
}

func TestDeriveSummarizesText(t *testing.T) {
	text := "Budget planning for the next quarter. The budget covers travel and hardware. " +
		"Lunch is at noon. Travel budget approvals are due Friday."
	meta := Derive(Job{DisplayName: "notes.txt", MediaType: "text/plain", SizeBytes: int64(len(text))}, []byte(text))

	assert.Equal(t, []string{"document", "txt", "small"}, meta.Tags)
	assert.NotEmpty(t, meta.Summary)
	assert.LessOrEqual(t, utf8.RuneCountInString(meta.Summary), SummaryMaxRunes)
	assert.Contains(t, meta.Keywords, "budget")
	assert.Contains(t, meta.Keywords, "notes")
}

func TestDeriveIgnoresBinarySample(t *testing.T) {
	meta := Derive(Job{DisplayName: "a.txt", MediaType: "text/plain"}, []byte{0xff, 0xfe, 0x00})
	assert.Empty(t, meta.Summary)
}

func TestSummarize(t *testing.T) {
	assert.Equal(t, "short text", Summarize("short text", 100))

	long := strings.Repeat("a", 150)
	assert.Equal(t, strings.Repeat("a", 100)+"...", Summarize(long, 100))

	text := "Cats sleep a lot. Cats chase mice and cats purr loudly when happy. Dogs bark. " +
		strings.Repeat("Filler words appear here. ", 3)
	summary := Summarize(text, 70)
	assert.True(t, strings.HasPrefix(summary, "Cats chase mice"), summary)
	assert.LessOrEqual(t, utf8.RuneCountInString(summary), 70)
}
