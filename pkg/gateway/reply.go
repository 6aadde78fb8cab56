package gateway

import (
	"strings"
)

// Fixed texts the gateway posts on its own.
const (
	DefaultMentionPrompt = "How can I assist you?"

	MentionFallback     = "Sorry, something went wrong while processing your request."
	TranslationFallback = "Sorry, something went wrong while processing your translation request."

	CommandIndo           = "/indo"
	TranslatePromptPrefix = "Translate this message to Indonesian: "
	IndoUsage             = "Usage: /indo <text to translate>"
)

// ---------------------------------------------------------------------------
// Outcomes and failures
// ---------------------------------------------------------------------------

// Outcome is what happened to one envelope. Handlers report an Outcome
// instead of returning an error, so nothing they do can stop the ack.
type Outcome string

const (
	OutcomeReplied   Outcome = "replied"
	OutcomeUsage     Outcome = "usage"
	OutcomeFallback  Outcome = "fallback"
	OutcomeFailed    Outcome = "failed" // fallback post failed too
	OutcomeDropped   Outcome = "dropped"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeDenied    Outcome = "denied"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomePanicked  Outcome = "panicked"
)

func (o Outcome) String() string { return string(o) }

// FailureKind classifies why a reply could not be delivered.
type FailureKind string

const (
	FailureResponder FailureKind = "responder"
	FailureDelivery  FailureKind = "delivery"
)

// Failure is the error half of a Reply.
type Failure struct {
	Kind  FailureKind
	Cause error
}

func (f *Failure) Error() string {
	if f.Cause == nil {
		return string(f.Kind) + " failure"
	}
	return string(f.Kind) + " failure: " + f.Cause.Error()
}

func (f *Failure) Unwrap() error { return f.Cause }

// Reply is either responder text or a Failure, never both.
type Reply struct {
	Text    string
	Failure *Failure
}

// OK reports whether the reply carries text.
func (r Reply) OK() bool { return r.Failure == nil }

// Result is a handler's report to the dispatcher.
type Result struct {
	Outcome Outcome
	Failure *Failure
}

// ---------------------------------------------------------------------------
// Text shaping
// ---------------------------------------------------------------------------

// StripMention removes every <@botID> and <@botID|label> token from text and
// trims the result. Removal repeats until no token is left, so a token that
// only appears after an inner one is removed also goes.
func StripMention(text, botID string) string {
	if botID == "" {
		return strings.TrimSpace(text)
	}
	token := "<@" + botID
	for {
		next := removeMention(text, token)
		if next == text {
			break
		}
		text = next
	}
	return strings.TrimSpace(text)
}

// removeMention drops every "<@ID>" and "<@ID|label>" in one left to right
// pass. token is "<@ID".
func removeMention(text, token string) string {
	if !strings.Contains(text, token) {
		return text
	}
	var sb strings.Builder
	for {
		i := strings.Index(text, token)
		if i < 0 {
			break
		}
		rest := text[i+len(token):]
		end := -1
		switch {
		case strings.HasPrefix(rest, ">"):
			end = 1
		case strings.HasPrefix(rest, "|"):
			if j := strings.IndexByte(rest, '>'); j >= 0 {
				end = j + 1
			}
		}
		if end < 0 {
			// "<@ID" followed by something else, e.g. a longer id.
			sb.WriteString(text[:i+len(token)])
			text = rest
			continue
		}
		sb.WriteString(text[:i])
		text = rest[end:]
	}
	sb.WriteString(text)
	return sb.String()
}

// FormatQuotedReply renders the attribution line, the quoted original and the
// responder output in a fixed-width block.
func FormatQuotedReply(userID, original, output string) string {
	var sb strings.Builder
	sb.WriteString(">From: <@")
	sb.WriteString(userID)
	sb.WriteString(">\n")
	for _, line := range strings.Split(strings.TrimSpace(original), "\n") {
		sb.WriteString(">")
		sb.WriteString(line)
		sb.WriteString("\n")
	}
	sb.WriteString("```\n")
	sb.WriteString(strings.TrimSpace(output))
	sb.WriteString("\n```")
	return sb.String()
}
