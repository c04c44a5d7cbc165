package core

import (
	"regexp"
	"strings"
)

// TriggerMatcher reports whether a message addresses the assistant.
type TriggerMatcher struct {
	re *regexp.Regexp
}

// NewTriggerMatcher builds a matcher for trigger, e.g. "@Andy". The trigger
// must open the message and end on a word boundary; case is ignored.
func NewTriggerMatcher(trigger string) TriggerMatcher {
	trigger = strings.TrimSpace(trigger)
	return TriggerMatcher{re: regexp.MustCompile(`(?i)^` + regexp.QuoteMeta(trigger) + `\b`)}
}

// Match reports whether text starts with the trigger.
func (m TriggerMatcher) Match(text string) bool {
	if m.re == nil {
		return false
	}
	return m.re.MatchString(strings.TrimSpace(text))
}
