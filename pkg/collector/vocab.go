package collector

import (
	"regexp"
	"strings"
)

// Collector states, persisted in the session's active-collector slot.
const (
	StateCollecting = "collecting"
	StateConfirming = "awaiting_confirmation"
	StateCompleted  = "completed"
	StateCancelled  = "cancelled"
	StateFailed     = "failed"
)

var (
	cancelWords = map[string]bool{
		"cancel": true, "stop": true, "abort": true, "quit": true,
		"nevermind": true, "never mind": true, "forget it": true,
	}

	affirmWords = map[string]bool{
		"yes": true, "y": true, "yeah": true, "yep": true, "sure": true,
		"ok": true, "okay": true, "confirm": true, "confirmed": true,
		"correct": true, "go ahead": true, "do it": true,
	}

	negativeWords = map[string]bool{
		"no": true, "n": true, "nope": true, "wrong": true, "incorrect": true,
	}

	nonWord = regexp.MustCompile(`[^a-z\s]`)
)

func normalize(msg string) string {
	msg = strings.ToLower(strings.TrimSpace(msg))
	msg = nonWord.ReplaceAllString(msg, "")
	return strings.TrimSpace(msg)
}

// IsCancel reports whether the message matches the cancel vocabulary.
func IsCancel(msg string) bool {
	return cancelWords[normalize(msg)]
}

// IsAffirmative reports whether the message confirms the pending action.
func IsAffirmative(msg string) bool {
	return affirmWords[normalize(msg)]
}

// IsNegative reports whether the message rejects the pending action
// without cancelling outright, i.e. a correction is coming.
func IsNegative(msg string) bool {
	return negativeWords[normalize(msg)]
}
