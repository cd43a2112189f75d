package bridge

import "math"

// DefaultFullScale is the largest value of a signed 16-bit analog channel.
const DefaultFullScale = 32767

// Normalize maps a raw reading onto the 0-100 scale shown to viewers.
func Normalize(raw, fullScale float64) int {
	return int(math.Round(raw / fullScale * 100))
}

// Denormalize maps a percentage back to the raw scale of the output.
func Denormalize(percent, fullScale float64) float64 {
	return math.Round(percent / 100 * fullScale)
}
