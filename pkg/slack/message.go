package slack

import (
	"fmt"
	"strings"
	"unicode/utf8"

	goslack "github.com/slack-go/slack"
)

const maxBlockTextLength = 2900

// BuildMessageBlocks renders a delivery as Block Kit sections: the subject
// as a bold lead-in when present, the body split into sections that fit
// under the Block Kit text ceiling.
func BuildMessageBlocks(subject, content string) []goslack.Block {
	var blocks []goslack.Block
	if subject != "" {
		blocks = append(blocks, section(fmt.Sprintf("*%s*", subject)))
	}
	for _, chunk := range splitContent(content, maxBlockTextLength) {
		blocks = append(blocks, section(chunk))
	}
	return blocks
}

func section(text string) *goslack.SectionBlock {
	return goslack.NewSectionBlock(
		goslack.NewTextBlockObject(goslack.MarkdownType, text, false, false),
		nil, nil,
	)
}

// splitContent cuts text into pieces of at most max bytes, preferring the
// last newline inside the window as the break point and never splitting a
// rune.
func splitContent(text string, max int) []string {
	var chunks []string
	for len(text) > max {
		cut := strings.LastIndex(text[:max], "\n")
		if cut <= 0 {
			cut = max
			for cut > 0 && !utf8.RuneStart(text[cut]) {
				cut--
			}
			if cut == 0 {
				cut = max
			}
		}
		if chunk := strings.TrimRight(text[:cut], "\n"); chunk != "" {
			chunks = append(chunks, chunk)
		}
		text = strings.TrimLeft(text[cut:], "\n")
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}
