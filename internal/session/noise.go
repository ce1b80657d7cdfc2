package session

import (
	"github.com/charmbracelet/x/ansi"
)

// Kinds of non-protocol stdout chatter.
const (
	noiseNone       = ""
	noiseANSI       = "ansi"
	noiseBoxDrawing = "box-drawing"
	noiseSpinner    = "spinner"
)

// classifyNoise reports what kind of terminal chatter a stdout line is, if
// any. It is only used for diagnostics; classified lines are still parsed.
func classifyNoise(line string) string {
	if ansi.Strip(line) != line {
		return noiseANSI
	}
	for _, r := range line {
		switch {
		case r >= 0x2500 && r <= 0x257F:
			return noiseBoxDrawing
		case r >= 0x2800 && r <= 0x28FF:
			// Braille dots, used by most CLI spinners.
			return noiseSpinner
		}
	}
	return noiseNone
}
