package policy

import (
	"regexp"
	"strings"
)

// Transcripts carry numbers and addresses the way the asr heard them, so
// both written and spoken forms are matched.
var (
	writtenEmail = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	spokenEmail  = regexp.MustCompile(`(?i)\b[a-z0-9._%+\-]+(?:\s+dot\s+[a-z0-9\-]+)*\s+at\s+[a-z0-9\-]+(?:\s+dot\s+[a-z0-9\-]+)*\s+dot\s+(?:com|org|net|io|edu|gov|co|uk|de|fr|it|es)\b`)

	// numberRun matches digits, digit words and groups of both separated by
	// spaces or punctuation, as in "555-0199" or "five five five oh one".
	numberRun = regexp.MustCompile(`(?i)\+?(?:\b(?:double|triple)\s+)?(?:\d+|\b(?:zero|oh|one|two|three|four|five|six|seven|eight|nine)\b)(?:[\s,.\-()]+(?:\b(?:double|triple)\s+)?(?:\d+|\b(?:zero|oh|one|two|three|four|five|six|seven|eight|nine)\b))+`)
	runToken  = regexp.MustCompile(`(?i)double|triple|\d+|[a-z]+`)
)

// Digit counts that classify a number run.
const (
	minPhoneDigits = 7
	minCardDigits  = 13
	maxCardDigits  = 19
)

// RedactPII masks email addresses, phone numbers and card numbers in
// transcript or response text.
func RedactPII(input string) (redacted string, changed bool) {
	out := writtenEmail.ReplaceAllString(input, "[REDACTED_EMAIL]")
	out = spokenEmail.ReplaceAllString(out, "[REDACTED_EMAIL]")
	out = numberRun.ReplaceAllStringFunc(out, func(run string) string {
		n := countDigits(run)
		switch {
		case n >= minCardDigits && n <= maxCardDigits:
			return "[REDACTED_CARD]"
		case n >= minPhoneDigits:
			return "[REDACTED_PHONE]"
		}
		return run
	})
	return out, out != input
}

// countDigits counts the digits a run stands for; "double five" is two.
func countDigits(run string) int {
	n, repeat := 0, 1
	for _, tok := range runToken.FindAllString(run, -1) {
		switch strings.ToLower(tok) {
		case "double":
			repeat = 2
			continue
		case "triple":
			repeat = 3
			continue
		}
		if tok[0] >= '0' && tok[0] <= '9' {
			n += len(tok)
		} else {
			n += repeat
		}
		repeat = 1
	}
	return n
}
