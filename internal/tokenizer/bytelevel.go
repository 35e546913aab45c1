package tokenizer

import "strings"

// Byte-level BPE vocabularies (GPT-2, Llama 3, Qwen) spell every byte as a
// printable rune: printable Latin-1 bytes stand for themselves and the rest
// are shifted to U+0100 and up, so " " is "Ġ" and "\n" is "Ċ".
var (
	byteToRune [256]rune
	runeToByte = make(map[rune]byte, 256)
)

func init() {
	shifted := 0
	for b := 0; b < 256; b++ {
		if (b >= '!' && b <= '~') || (b >= 0xA1 && b <= 0xAC) || (b >= 0xAE && b <= 0xFF) {
			byteToRune[b] = rune(b)
		} else {
			byteToRune[b] = rune(256 + shifted)
			shifted++
		}
		runeToByte[byteToRune[b]] = byte(b)
	}
}

func byteLevelEncode(s string) string {
	var sb strings.Builder
	sb.Grow(2 * len(s))
	for i := 0; i < len(s); i++ {
		sb.WriteRune(byteToRune[s[i]])
	}
	return sb.String()
}

// byteLevelDecode maps a piece back to the bytes it spells. Runes outside
// the table are kept as UTF-8.
func byteLevelDecode(piece string) []byte {
	out := make([]byte, 0, len(piece))
	for _, r := range piece {
		if b, ok := runeToByte[r]; ok {
			out = append(out, b)
			continue
		}
		out = append(out, string(r)...)
	}
	return out
}
