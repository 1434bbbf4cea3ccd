package pty

import "unicode/utf8"

// splitIncompleteUTF8 holds back a trailing partial UTF-8 sequence so a
// multi-byte character split across two reads reaches the sink in one piece.
func splitIncompleteUTF8(p []byte) (complete, rest []byte) {
	// A UTF-8 encoding is at most utf8.UTFMax bytes, so only the last three
	// can belong to an unfinished rune.
	for i := len(p) - 1; i >= 0 && i >= len(p)-(utf8.UTFMax-1); i-- {
		if !utf8.RuneStart(p[i]) {
			continue
		}
		if utf8.FullRune(p[i:]) {
			return p, nil
		}
		tail := make([]byte, len(p)-i)
		copy(tail, p[i:])
		return p[:i], tail
	}
	return p, nil
}
