package telegram

import "strings"

// chunkMessage cuts text into pieces no longer than maxLen so escalation
// notices survive Telegram's message size cap. A cut prefers the last
// newline in the back half of the window over a mid-line break.
func chunkMessage(text string, maxLen int) []string {
	var chunks []string
	for len(text) > maxLen {
		cut := maxLen
		if nl := strings.LastIndexByte(text[:maxLen], '\n'); nl > maxLen/2 {
			cut = nl + 1
		}
		chunks = append(chunks, text[:cut])
		text = text[cut:]
	}
	return append(chunks, text)
}
