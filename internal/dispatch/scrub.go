package dispatch

import (
	"regexp"
	"strings"
)

// thinkBlock matches a reasoning block, including unterminated ones from
// truncated model output.
var thinkBlock = regexp.MustCompile(`(?s)<think>.*?(</think>|$)`)

// chatMarkers are template tokens some models leak into their output.
var chatMarkers = []string{"<|im_start|>", "<|im_end|>"}

// Scrub removes model reasoning blocks and chat-template markers from a
// raw reply.
func Scrub(reply string) string {
	out := thinkBlock.ReplaceAllString(reply, "")
	for _, m := range chatMarkers {
		out = strings.ReplaceAll(out, m, "")
	}
	return strings.TrimSpace(out)
}
