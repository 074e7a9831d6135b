package dispatch

import "strings"

var markdownV2Escaper = strings.NewReplacer(
	`\`, `\\`,
	"_", `\_`, "*", `\*`, "[", `\[`, "]", `\]`, "(", `\(`, ")", `\)`,
	"~", `\~`, "`", "\\`", ">", `\>`, "#", `\#`, "+", `\+`, "-", `\-`,
	"=", `\=`, "|", `\|`, "{", `\{`, "}", `\}`, ".", `\.`, "!", `\!`,
)

// EscapeMarkdownV2 escapes text so Telegram renders it literally in
// MarkdownV2 mode.
func EscapeMarkdownV2(text string) string {
	return markdownV2Escaper.Replace(text)
}

// UnescapeMarkdownV2 drops escape backslashes so a MarkdownV2 fragment reads
// cleanly as plain text. Formatting markers are left in place.
func UnescapeMarkdownV2(text string) string {
	if !strings.Contains(text, `\`) {
		return text
	}
	var b strings.Builder
	b.Grow(len(text))
	for i := 0; i < len(text); i++ {
		if text[i] == '\\' && i+1 < len(text) {
			i++
		}
		b.WriteByte(text[i])
	}
	return b.String()
}
