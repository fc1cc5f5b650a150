// Package format turns task state into chat-ready text and cards. Everything
// here is a pure function of its inputs.
package format

import "strings"

// StripANSI removes ANSI escape sequences and stray control characters.
// Newlines and tabs are kept.
func StripANSI(content string) string {
	var b strings.Builder
	b.Grow(len(content))
	for i := 0; i < len(content); i++ {
		c := content[i]
		if c != 0x1b {
			if (c < 0x20 && c != '\n' && c != '\t' && c != '\r') || c == 0x7f {
				continue
			}
			b.WriteByte(c)
			continue
		}
		if i+1 >= len(content) {
			break
		}
		switch content[i+1] {
		case '[':
			// CSI: ESC [ params final-byte
			j := i + 2
			for j < len(content) && (content[j] < 0x40 || content[j] > 0x7e) {
				j++
			}
			i = j
		case ']':
			// OSC: ESC ] ... BEL or ESC \
			j := i + 2
			for j < len(content) {
				if content[j] == 0x07 {
					break
				}
				if content[j] == 0x1b && j+1 < len(content) && content[j+1] == '\\' {
					j++
					break
				}
				j++
			}
			i = j
		case '(', ')':
			// charset selection takes one more byte
			i += 2
		default:
			i++
		}
	}
	return b.String()
}
