package agent

import "strings"

// Closed word sets for confirmation recognition. Anything outside them is
// treated as neither: the pending action stays outstanding and the caller
// is reminded.
var affirmativeWords = map[string]bool{
	"yes": true, "y": true, "yep": true, "yeah": true, "yup": true,
	"sure": true, "ok": true, "okay": true, "confirm": true,
	"confirmed": true, "ja": true, "si": true, "oui": true,
}

var affirmativePhrases = []string{
	"yes please", "do it", "go ahead", "please do", "sounds good",
	"that's right", "confirm it", "yes, ", "yes ",
}

var negativeWords = map[string]bool{
	"no": true, "n": true, "nope": true, "nah": true, "cancel": true,
	"stop": true, "abort": true, "nein": true,
}

var negativePhrases = []string{
	"no thanks", "no thank you", "never mind", "nevermind", "don't",
	"do not", "cancel that", "cancel it", "forget it", "no, ", "no ",
}

func normalizeConfirmation(text string) string {
	s := strings.ToLower(strings.TrimSpace(text))
	return strings.TrimRight(s, ".!?")
}

// IsAffirmative reports whether the message confirms the outstanding action.
func IsAffirmative(text string) bool {
	s := normalizeConfirmation(text)
	if s == "" {
		return false
	}
	if affirmativeWords[s] {
		return true
	}
	for _, p := range affirmativePhrases {
		if s == strings.TrimSpace(p) || strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

// IsNegative reports whether the message rejects the outstanding action.
func IsNegative(text string) bool {
	s := normalizeConfirmation(text)
	if s == "" {
		return false
	}
	if negativeWords[s] {
		return true
	}
	for _, p := range negativePhrases {
		if s == strings.TrimSpace(p) || strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}
