package dali

import (
	"math"
	"time"
)

// maxFadeTime is the highest DALI FADE_TIME setting (90.5 s).
const maxFadeTime = 15

// LevelToArcPower converts a 0-100 % level to DALI arc power on the
// logarithmic dimming curve. Out of range levels are clamped.
func LevelToArcPower(level float64) byte {
	intensity := level / 100
	if intensity < 0 {
		intensity = 0
	}
	if intensity > 1 {
		intensity = 1
	}
	return byte(math.Log10(intensity*9+1) * float64(MaxArcPower))
}

// ArcPowerToLevel converts DALI arc power to a 0-100 % level.
func ArcPowerToLevel(arc byte) float64 {
	if arc > MaxArcPower {
		arc = MaxArcPower
	}
	intensity := (math.Pow(10, float64(arc)/float64(MaxArcPower)) - 1) / 9
	return intensity * 100
}

// FadeTimeFor returns the DALI FADE_TIME setting closest below the
// transition time, from T = 0.5 * sqrt(2^X) seconds. Zero or negative
// transitions map to 0 (immediate); anything shorter than the shortest
// fade maps to 1.
func FadeTimeFor(transition time.Duration) byte {
	if transition <= 0 {
		return 0
	}
	h := transition.Seconds() / 0.5
	h = math.Log2(h * h)
	if h <= 1 {
		return 1
	}
	if h >= maxFadeTime {
		return maxFadeTime
	}
	return byte(h)
}
