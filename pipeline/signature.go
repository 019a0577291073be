// ABOUTME: Normalizes failure messages into stable signatures so repeated identical failures can be spotted.
// ABOUTME: Replaces UUIDs, ULIDs, timestamps, request IDs, and numbers with placeholders.
package pipeline

import "regexp"

// Order matters: specific patterns run before the general number pattern.
var (
	uuidPattern      = regexp.MustCompile(`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`)
	ulidPattern      = regexp.MustCompile(`\b[0-9A-HJKMNP-TV-Z]{26}\b`)
	timestampPattern = regexp.MustCompile(`\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}(?:\.\d+)?(?:Z|[+-]\d{2}:\d{2})?`)
	requestIDPattern = regexp.MustCompile(`\b(?:req|request|chatcmpl|msg)[-_][A-Za-z0-9]+\b`)
	hexPattern       = regexp.MustCompile(`\b[0-9a-fA-F]*[a-fA-F][0-9a-fA-F]*\b`)
	durationPattern  = regexp.MustCompile(`\b\d+(?:\.\d+)?(?:ms|s|m|h)\b`)
	numberPattern    = regexp.MustCompile(`\b\d+\b`)
)

// NormalizeFailure replaces run-specific content in msg with placeholders so
// messages differing only in IDs, times, or counts compare equal.
func NormalizeFailure(msg string) string {
	if msg == "" {
		return ""
	}
	result := uuidPattern.ReplaceAllString(msg, "<UUID>")
	result = ulidPattern.ReplaceAllString(result, "<ULID>")
	result = timestampPattern.ReplaceAllString(result, "<TIMESTAMP>")
	result = requestIDPattern.ReplaceAllString(result, "<REQUEST>")
	result = hexPattern.ReplaceAllStringFunc(result, func(match string) string {
		if len(match) < 8 {
			return match
		}
		return "<HEX>"
	})
	result = durationPattern.ReplaceAllString(result, "<DURATION>")
	result = numberPattern.ReplaceAllString(result, "<N>")
	return result
}

// FailureSignature returns the deterministic signature of a failure message.
func FailureSignature(msg string) string {
	return NormalizeFailure(msg)
}
