package morse

import "unicode"

// codeTable maps characters to their Morse patterns
var codeTable = map[rune]string{
	// Letters
	'A': ".-",
	'B': "-...",
	'C': "-.-.",
	'D': "-..",
	'E': ".",
	'F': "..-.",
	'G': "--.",
	'H': "....",
	'I': "..",
	'J': ".---",
	'K': "-.-",
	'L': ".-..",
	'M': "--",
	'N': "-.",
	'O': "---",
	'P': ".--.",
	'Q': "--.-",
	'R': ".-.",
	'S': "...",
	'T': "-",
	'U': "..-",
	'V': "...-",
	'W': ".--",
	'X': "-..-",
	'Y': "-.--",
	'Z': "--..",

	// Numbers
	'0': "-----",
	'1': ".----",
	'2': "..---",
	'3': "...--",
	'4': "....-",
	'5': ".....",
	'6': "-....",
	'7': "--...",
	'8': "---..",
	'9': "----.",

	// Punctuation used in callsigns and exchanges
	'/': "-..-.",
	'.': ".-.-.-",
	',': "--..--",
	'?': "..--..",
	'=': "-...-",
}

// Pattern returns the dot/dash pattern for ch.
// Lower-case letters are accepted; ok is false for unsupported characters.
func Pattern(ch rune) (string, bool) {
	p, ok := codeTable[unicode.ToUpper(ch)]
	return p, ok
}

// Encode returns the patterns of every supported character of text,
// separated by spaces. Unsupported characters are skipped.
func Encode(text string) string {
	out := make([]byte, 0, len(text)*5)
	for _, ch := range text {
		p, ok := Pattern(ch)
		if !ok {
			continue
		}
		if len(out) > 0 {
			out = append(out, ' ')
		}
		out = append(out, p...)
	}
	return string(out)
}
