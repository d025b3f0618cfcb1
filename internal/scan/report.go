package scan

import (
	"fmt"
	"strings"

	"github.com/pagewarden/pagewarden/internal/shared"
)

// reportCap is the maximum length of a persisted scan report.
const reportCap = 1500

// threatLevelPrefix marks the threat assessment line every report must carry.
const threatLevelPrefix = "Threat Level:"

// normalizeReport cleans a raw model reply into the canonical report form:
// control markers stripped, blank lines collapsed, a threat-level marker
// guaranteed, and the total length capped at a sentence boundary.
func normalizeReport(raw string) string {
	reply := shared.CollapseLines(shared.StripControlMarkers(raw), "\n")

	if !hasThreatLevel(reply) {
		reply = threatLevelPrefix + " Unknown\n" + reply
	}

	return shared.CapAtSentence(reply, reportCap)
}

func hasThreatLevel(report string) bool {
	for _, line := range strings.Split(report, "\n") {
		if strings.HasPrefix(line, threatLevelPrefix) {
			return true
		}
	}
	return false
}

// degradedReport synthesizes a minimal report when analysis could not
// complete but redirect information was captured in stage one.
func degradedReport(url, redirects string) string {
	return fmt.Sprintf(
		"Status: Analysis interrupted but redirect detected\n"+
			"%s Unknown\n"+
			"Link: %s\n"+
			"Redirects: %s\n\n"+
			"1. Main purpose: Analysis was interrupted, but redirect information was captured\n"+
			"2. Content summary: Unable to complete full analysis\n"+
			"3. Security concerns: Unknown - scan was interrupted\n"+
			"4. Recommendation: Exercise caution when clicking links",
		threatLevelPrefix, url, redirects)
}

// analysisInstruction is the fixed system instruction for the analyze stage.
const analysisInstruction = "You are Warden, a cybersecurity specialist analyzing webpages for threats. " +
	"Reply with ONLY this format:\n\n" +
	"Status: <one-line threat assessment>\n" +
	"Threat Level: <Safe|Low|Medium|High|Critical>\n" +
	"Link: <URL>\n" +
	"Redirects: <Yes/No> <describe redirect chain if present>\n\n" +
	"1. Main purpose: <brief description of site purpose and function>\n" +
	"2. Content summary: <describe key content, topics, products or services on the page>\n" +
	"3. Security concerns: <list any suspicious elements, forms, scripts, or content>\n" +
	"4. Recommendation: <clear advice on whether to proceed or take caution>\n\n" +
	"Be extremely concise but thorough in describing the actual website content. " +
	"Focus on detecting phishing, malware, suspicious forms, unusual scripts, or misleading information. " +
	"Mention specific content elements like login forms, payment options, product offerings, or specific topics discussed. " +
	"If the URL was shortened or redirected, analyze whether the redirect is suspicious or potentially misleading."

// formatPayload renders the scan payload submitted to the model.
func formatPayload(url, redirects string, status int, content string) string {
	return fmt.Sprintf("[SCAN_PAGE] URL: %s\n\nRedirect info: %s\n\nStatus Code: %d\n\n%s",
		url, redirects, status, content)
}
