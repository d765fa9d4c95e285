package routing

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	pureNumeric = regexp.MustCompile(`^\d{1,3}$`)

	// "2nd", "3rd", "10th"
	numericOrdinal = regexp.MustCompile(`^(\d{1,2})(st|nd|rd|th)$`)

	// "the second one", "second", "option 2", "number 2"
	wordOrdinal = regexp.MustCompile(`^(?:the\s+)?(first|second|third|fourth|fifth|sixth|seventh|eighth|ninth|tenth)(?:\s+one)?$`)
	pickOrdinal = regexp.MustCompile(`^(?:option|number|item|no)\s*(\d{1,2})$`)

	numberedLine = regexp.MustCompile(`(?m)^\s*(\d{1,2})[.)]\s+\S`)
)

var ordinalWords = map[string]int{
	"first": 1, "second": 2, "third": 3, "fourth": 4, "fifth": 5,
	"sixth": 6, "seventh": 7, "eighth": 8, "ninth": 9, "tenth": 10,
}

var confirmationWords = map[string]bool{
	"yes": true, "no": true, "ok": true, "okay": true, "sure": true,
	"yep": true, "nope": true, "thanks": true, "thank you": true,
}

var paginationWords = map[string]bool{
	"next": true, "more": true, "previous": true, "back": true,
	"show more": true, "next page": true, "continue": true,
}

func normalize(msg string) string {
	return strings.ToLower(strings.TrimSpace(strings.Trim(strings.TrimSpace(msg), ".!?")))
}

// IsShortFollowUp reports whether the message is the kind of terse reply
// that belongs to whatever conversation is already in flight: a bare
// number, a confirmation, a pagination word or a positional ordinal.
func IsShortFollowUp(msg string) bool {
	n := normalize(msg)
	if n == "" {
		return false
	}
	if pureNumeric.MatchString(n) || confirmationWords[n] || paginationWords[n] {
		return true
	}
	_, ok := OrdinalIndex(msg)
	return ok
}

// OrdinalIndex parses a message that is purely a small positional
// reference ("2", "2nd", "the second one", "option 3") into its 1-based
// index.
func OrdinalIndex(msg string) (int, bool) {
	n := normalize(msg)
	if n == "" {
		return 0, false
	}
	if pureNumeric.MatchString(n) {
		idx, _ := strconv.Atoi(n)
		return idx, idx > 0
	}
	if m := numericOrdinal.FindStringSubmatch(n); m != nil {
		idx, _ := strconv.Atoi(m[1])
		return idx, idx > 0
	}
	if m := wordOrdinal.FindStringSubmatch(n); m != nil {
		return ordinalWords[m[1]], true
	}
	if m := pickOrdinal.FindStringSubmatch(n); m != nil {
		idx, _ := strconv.Atoi(m[1])
		return idx, idx > 0
	}
	return 0, false
}

// NumberedListSize returns how many numbered options the text presents,
// zero when it has no numbered list.
func NumberedListSize(text string) int {
	matches := numberedLine.FindAllStringSubmatch(text, -1)
	max := 0
	for _, m := range matches {
		n, _ := strconv.Atoi(m[1])
		if n > max {
			max = n
		}
	}
	return max
}

// listFollowUpHints flag messages that refer back to an already-presented
// list; a knowledge search would just re-list.
var listFollowUpHints = []string{
	"which one", "the one", "that one", "those", "these",
	"tell me more", "more about", "more details", "details on",
}

// IsListFollowUp reports whether the message refers back to the entities
// the assistant just presented.
func IsListFollowUp(msg string) bool {
	n := normalize(msg)
	if _, ok := OrdinalIndex(msg); ok {
		return true
	}
	for _, hint := range listFollowUpHints {
		if strings.Contains(n, hint) {
			return true
		}
	}
	return false
}
