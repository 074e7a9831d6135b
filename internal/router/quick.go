package router

import (
	"regexp"
	"strings"
)

var (
	summaryPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)wtf\s*happened`),
		regexp.MustCompile(`(?i)what\s*happened`),
		regexp.MustCompile(`(?i)summarize`),
		regexp.MustCompile(`(?i)summary`),
	}
	addressPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)bot\b`),
		regexp.MustCompile(`(?i)помощ`),
		regexp.MustCompile(`(?i)help\b`),
		regexp.MustCompile(`\?$`),
	}
	silentPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)^(ok|okay|ок|окей|да|yes|no|нет|lol|😂|👍|👎|🙂|😊)$`),
		regexp.MustCompile(`(?i)^(hi|hello|привет|hey)$`),
	}
)

// QuickRoute is the deterministic fast path. ok is false when the message
// needs the model. Rules are checked in priority order; the first match wins.
func QuickRoute(text string, isReplyToBot bool) (Decision, bool) {
	if isReplyToBot {
		return Decision{Action: ActionReply, Reason: "Message is a reply to bot", Confidence: 10, Source: SourceFast}, true
	}
	trimmed := strings.TrimSpace(text)
	if matchAny(summaryPatterns, trimmed) {
		return Decision{Action: ActionSummarize, Reason: "Explicit summary request detected", Confidence: 9, Source: SourceFast}, true
	}
	if matchAny(addressPatterns, trimmed) {
		return Decision{Action: ActionReply, Reason: "Bot mention or question detected", Confidence: 8, Source: SourceFast}, true
	}
	if trimmed == "" || matchAny(silentPatterns, trimmed) {
		return Decision{Action: ActionSilent, Reason: "Simple acknowledgment or greeting", Confidence: 8, Source: SourceFast}, true
	}
	return Decision{}, false
}

func matchAny(patterns []*regexp.Regexp, text string) bool {
	for _, p := range patterns {
		if p.MatchString(text) {
			return true
		}
	}
	return false
}
