package summarizer

import (
	"fmt"
	"strings"

	"github.com/basket/wtf-bot/internal/persistence"
)

const (
	timestampLayout  = "2006-01-02 15:04"
	attachmentMarker = "[attachment]"
	mediaOnlyMarker  = "[media without caption]"
)

// renderLine formats one message as "[ts] @name: text [attachment]".
func renderLine(m persistence.ChatMessage) string {
	name := m.FromUsername
	if name == "" {
		name = fmt.Sprintf("user%d", m.FromUserID)
	}
	text := strings.TrimSpace(m.Text)
	switch {
	case text == "" && m.HasAttachment():
		text = mediaOnlyMarker
	case m.HasAttachment():
		text += " " + attachmentMarker
	}
	return fmt.Sprintf("[%s] @%s: %s", m.Timestamp.UTC().Format(timestampLayout), name, text)
}

func renderLines(msgs []persistence.ChatMessage) []string {
	lines := make([]string, len(msgs))
	for i, m := range msgs {
		lines[i] = renderLine(m)
	}
	return lines
}

const markdownRules = `Format the output for Telegram MarkdownV2:
- Use *bold* for headings and _italic_ sparingly.
- Outside of formatting, escape every one of these characters with a preceding backslash: _ * [ ] ( ) ~ ` + "`" + ` > # + - = | { } . !
- Do not use HTML or standard Markdown headings.`

const summarizePrompt = `You summarize a Telegram group chat for a member who missed the conversation.

The messages below may contain several unrelated conversations. Detect topic changes and long time gaps between messages, and treat each as a separate sub-conversation.

For each sub-conversation:
- Start with a short bold title and the time range.
- Summarize who said what and what was decided, in chronological order.
- Write in the language that dominates that sub-conversation.

Keep it concise. Skip greetings and small talk unless nothing else happened. Mention attachments only when the discussion depends on them.

` + markdownRules

const questionPrompt = `You answer a question about a Telegram group chat using the chat history below.

Base the answer primarily on the chat history. You may add general knowledge to explain or complete what was said, but make clear which parts did not come from the chat. If the history does not contain the answer, say so explicitly.

Answer in the language of the question. Be concise and mention who said what when it matters.

` + markdownRules

const strictQuestionPrompt = `You answer a question about a Telegram group chat strictly from the chat history below.

Use only information present in the chat history. Do not add outside knowledge or assumptions. If the history does not contain the answer, say explicitly that the chat does not mention it.

Answer in the language of the question. Be concise and mention who said what when it matters.

` + markdownRules

func (s *Summarizer) systemPrompt(question string) string {
	if question == "" {
		return summarizePrompt
	}
	if s.cfg.StrictGrounding {
		return strictQuestionPrompt
	}
	return questionPrompt
}

func userPrompt(lines []string, question string) string {
	var b strings.Builder
	b.WriteString("Chat history:\n")
	for _, l := range lines {
		b.WriteString(l)
		b.WriteByte('\n')
	}
	if question != "" {
		b.WriteString("\nQuestion: ")
		b.WriteString(question)
		b.WriteByte('\n')
	}
	return b.String()
}
