package memory

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pagewarden/pagewarden/internal/domain"
)

func exchange(n int) []domain.ConversationTurn {
	var turns []domain.ConversationTurn
	for i := 0; i < n; i++ {
		turns = append(turns,
			domain.UserTurn(fmt.Sprintf("question %d", i)),
			domain.AssistantTurn(fmt.Sprintf("answer %d", i)),
		)
	}
	return turns
}

func TestBuildContext_StartsWithPreamble(t *testing.T) {
	out := BuildContext(exchange(3), nil, 5)

	require.NotEmpty(t, out)
	assert.Equal(t, domain.RoleSystem, out[0].Role)
	assert.True(t, strings.HasPrefix(out[0].Content, Preamble))
}

func TestBuildContext_BoundsUserTurns(t *testing.T) {
	out := BuildContext(exchange(10), nil, 5)

	userCount := 0
	for _, turn := range out {
		if turn.Role == domain.RoleUser {
			userCount++
		}
	}
	assert.Equal(t, 5, userCount)
}

func TestBuildContext_ChronologicalOrder(t *testing.T) {
	out := BuildContext(exchange(10), nil, 3)

	// Skip the system preamble; the window must be the most recent turns
	// in their original order.
	window := out[1:]
	require.Len(t, window, 6)
	assert.Equal(t, "question 7", window[0].Content)
	assert.Equal(t, "answer 7", window[1].Content)
	assert.Equal(t, "question 9", window[4].Content)
	assert.Equal(t, "answer 9", window[5].Content)
}

func TestBuildContext_ShortHistoryUnchanged(t *testing.T) {
	history := exchange(2)
	out := BuildContext(history, nil, 5)

	require.Len(t, out, len(history)+1)
	assert.Equal(t, history, out[1:])
}

func TestBuildContext_AppendsScanDigest(t *testing.T) {
	scans := []domain.ScanRecord{
		{Page: "http://old.example", Result: "Threat Level: Safe\nold report"},
		{Page: "http://new.example", Result: "Threat Level: High\nphishing form detected"},
	}

	out := BuildContext(exchange(1), scans, 5)

	require.NotEmpty(t, out)
	assert.Contains(t, out[0].Content, "phishing form detected")
	assert.NotContains(t, out[0].Content, "old report")
}

func TestBuildContext_EmptyScanResultSkipsDigest(t *testing.T) {
	scans := []domain.ScanRecord{{Page: "http://x.example", Result: "   "}}

	out := BuildContext(exchange(1), scans, 5)

	assert.Equal(t, Preamble, out[0].Content)
}

func TestBuildContext_Deterministic(t *testing.T) {
	history := exchange(8)
	scans := []domain.ScanRecord{{Page: "p", Result: "r"}}

	first := BuildContext(history, scans, 4)
	second := BuildContext(history, scans, 4)

	assert.Equal(t, first, second)
}

func TestBuildContext_EmptyHistory(t *testing.T) {
	out := BuildContext(nil, nil, 5)

	require.Len(t, out, 1)
	assert.Equal(t, domain.RoleSystem, out[0].Role)
}
