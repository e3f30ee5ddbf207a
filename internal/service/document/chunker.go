package document

import "strings"

const DefaultMaxChars = 1000

// Chunk trims text and cuts it into consecutive pieces of at most maxChars
// runes. Each piece is trimmed again and empty pieces are dropped.
func Chunk(text string, maxChars int) []string {
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}
	runes := []rune(strings.TrimSpace(text))
	chunks := make([]string, 0, len(runes)/maxChars+1)
	for start := 0; start < len(runes); start += maxChars {
		end := start + maxChars
		if end > len(runes) {
			end = len(runes)
		}
		piece := strings.TrimSpace(string(runes[start:end]))
		if piece == "" {
			continue
		}
		chunks = append(chunks, piece)
	}
	return chunks
}
