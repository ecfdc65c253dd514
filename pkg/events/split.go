// Package events implements both directions of the bridge: reducing
// platform events into framework emissions, and executing framework
// requests against the platform.
package events

import "strings"

// sentenceEnd reports whether the rune terminates a sentence.
func sentenceEnd(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}

// SplitMessage breaks text into chunks of at most max codepoints, preferring
// natural boundaries: a sentence ending, then a newline past the midpoint,
// then the last space, then a hard cut. Limits are counted in runes, not
// bytes, since platforms count codepoints. Whitespace at a chunk boundary is
// dropped, so concatenating the chunks reproduces the text modulo the
// separators the cut landed on; everything else survives in order.
func SplitMessage(text string, max int) []string {
	if max <= 0 {
		return []string{text}
	}
	runes := []rune(text)
	if len(runes) <= max {
		return []string{text}
	}

	var chunks []string
	for len(runes) > max {
		window := runes[:max]
		cut := -1

		for i := len(window) - 1; i > 0; i-- {
			if sentenceEnd(window[i-1]) && (i == len(window) || window[i] == ' ' || window[i] == '\n') {
				cut = i
				break
			}
		}
		if cut < 0 {
			for i := len(window) - 1; i > max/2; i-- {
				if window[i] == '\n' {
					cut = i
					break
				}
			}
		}
		if cut < 0 {
			for i := len(window) - 1; i > 0; i-- {
				if window[i] == ' ' {
					cut = i
					break
				}
			}
		}
		if cut <= 0 {
			cut = max
		}

		chunk := strings.TrimSpace(string(runes[:cut]))
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
		runes = runes[cut:]
		for len(runes) > 0 && (runes[0] == ' ' || runes[0] == '\n') {
			runes = runes[1:]
		}
	}
	if rest := strings.TrimSpace(string(runes)); rest != "" {
		chunks = append(chunks, rest)
	}
	if len(chunks) == 0 {
		return []string{""}
	}
	return chunks
}
