package bridge

import (
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

type Speaker string

const (
	SpeakerCaller Speaker = "caller"
	SpeakerAgent  Speaker = "agent"
)

// Turn is one completed utterance by either party.
type Turn struct {
	Speaker   Speaker
	Text      string
	Timestamp time.Time
}

// renderConversation flattens a transcript into the one-line-per-turn form
// handed to the summarizer.
func renderConversation(turns []Turn) string {
	var b strings.Builder
	for i, turn := range turns {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(string(turn.Speaker))
		b.WriteString(": ")
		b.WriteString(turn.Text)
	}
	return b.String()
}

// matchesClosing reports whether an agent utterance signals the end of the
// conversation. The sentinel is configuration, not a constant: deployments
// use anything from a standalone token ("BYE") to a full closing sentence.
// Matching is case-insensitive and accepts the sentinel as the whole
// utterance or as a word-boundary prefix of it.
func matchesClosing(utterance, sentinel string) bool {
	u := strings.ToLower(strings.TrimSpace(utterance))
	sent := strings.ToLower(strings.TrimSpace(sentinel))
	if sent == "" || u == "" {
		return false
	}
	u = strings.TrimRightFunc(u, func(r rune) bool {
		return unicode.IsPunct(r) || unicode.IsSpace(r)
	})
	if u == sent {
		return true
	}
	if !strings.HasPrefix(u, sent) {
		return false
	}
	next, _ := utf8.DecodeRuneInString(u[len(sent):])
	return !unicode.IsLetter(next) && !unicode.IsDigit(next)
}
