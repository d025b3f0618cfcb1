// Package memory builds the bounded model context from stored history.
//
// The window builder is a pure function: given the same stored history it
// always produces the same message sequence, and it performs no I/O.
package memory

import (
	"strings"

	"github.com/pagewarden/pagewarden/internal/domain"
)

// Preamble is the fixed system instruction prepended to every chat context.
const Preamble = "You are Warden, a security assistant specializing in detecting phishing, scams, " +
	"and cybersecurity threats. You are knowledgeable, concise, and focused on security. " +
	"You should respond to user questions by providing clear, actionable security advice. " +
	"Keep answers brief but helpful. If you don't know something, admit it rather than speculating."

// BuildContext assembles the ordered message sequence for a model call.
//
// It walks the stored conversation from most recent to oldest, collecting
// turns until maxTurns user-authored entries have been gathered (assistant
// turns paired with them ride along without counting), then restores
// chronological order. The system preamble comes first; when the user has
// scan history, a digest of the most recent scan report is appended to the
// preamble so the assistant can reference it.
func BuildContext(history []domain.ConversationTurn, scans []domain.ScanRecord, maxTurns int) []domain.ConversationTurn {
	var window []domain.ConversationTurn
	userCount := 0
	for i := len(history) - 1; i >= 0; i-- {
		window = append([]domain.ConversationTurn{history[i]}, window...)
		if history[i].Role == domain.RoleUser {
			userCount++
		}
		if userCount >= maxTurns {
			break
		}
	}

	preamble := Preamble
	if digest := scanDigest(scans); digest != "" {
		preamble += digest
	}

	out := make([]domain.ConversationTurn, 0, len(window)+1)
	out = append(out, domain.SystemTurn(preamble))
	out = append(out, window...)
	return out
}

func scanDigest(scans []domain.ScanRecord) string {
	if len(scans) == 0 {
		return ""
	}
	latest := scans[len(scans)-1]
	if strings.TrimSpace(latest.Result) == "" {
		return ""
	}
	return "\n\nRecent scan results:\n" + latest.Result +
		"\n\nRefer to this information if the user asks about recent scans."
}
