package scan

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeReport_KeepsWellFormedReply(t *testing.T) {
	raw := "Status: Looks clean\nThreat Level: Safe\nLink: http://example.com\n\n1. Main purpose: demo site."
	got := normalizeReport(raw)

	assert.Contains(t, got, "Threat Level: Safe")
	assert.NotContains(t, got, "\n\n")
}

func TestNormalizeReport_InjectsUnknownThreatLevel(t *testing.T) {
	got := normalizeReport("Some unstructured reply about the page.")

	assert.True(t, strings.HasPrefix(got, "Threat Level: Unknown\n"), "got %q", got)
}

func TestNormalizeReport_StripsControlMarkers(t *testing.T) {
	got := normalizeReport("Threat Level: Low</s>\nFine otherwise.")

	assert.NotContains(t, got, "</s>")
}

func TestNormalizeReport_CapsAtSentenceBoundary(t *testing.T) {
	raw := "Threat Level: Low\n" + strings.Repeat("A long sentence about the page. ", 200)
	got := normalizeReport(raw)

	assert.LessOrEqual(t, len(got), reportCap)
	assert.True(t, strings.HasSuffix(got, "."))
}

func TestDegradedReport(t *testing.T) {
	got := degradedReport("http://short.link/x", "Yes - http://short.link/x -> http://evil.example/")

	assert.Contains(t, got, "Threat Level: Unknown")
	assert.Contains(t, got, "Link: http://short.link/x")
	assert.Contains(t, got, "http://evil.example/")
	assert.Contains(t, got, "Exercise caution")
}

func TestFormatPayload(t *testing.T) {
	got := formatPayload("http://example.com", "No", 200, "<html></html>")

	assert.True(t, strings.HasPrefix(got, "[SCAN_PAGE] URL: http://example.com"))
	assert.Contains(t, got, "Redirect info: No")
	assert.Contains(t, got, "Status Code: 200")
	assert.Contains(t, got, "<html></html>")
}
