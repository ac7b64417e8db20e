package transcoder

import (
	"fmt"
	"math"
	"slices"
)

// Size thresholds for the ladder hint.
const (
	LargeFileThreshold  = 500 << 20 // 500 MB
	MediumFileThreshold = 100 << 20 // 100 MB

	// FallbackLabel is forced into the ladder when no preset fits the source.
	FallbackLabel = "360p"
)

// Preset defines video encoding parameters for a quality level.
type Preset struct {
	Label            string
	Width            int
	Height           int
	VideoBitrateKbps int
	AudioBitrateKbps int
	Quality          float64
}

// Bandwidth is the advertised peak bandwidth in bits per second.
func (p Preset) Bandwidth() int {
	return p.VideoBitrateKbps * 1000
}

// Resolution formats the target box as WIDTHxHEIGHT.
func (p Preset) Resolution() string {
	return fmt.Sprintf("%dx%d", p.Width, p.Height)
}

// Presets is the resolution table, highest quality first.
var Presets = []Preset{
	{"1080p", 1920, 1080, 5000, 192, 0.8},
	{"720p", 1280, 720, 2500, 128, 0.7},
	{"480p", 854, 480, 1000, 96, 0.6},
	{"360p", 640, 360, 600, 64, 0.5},
	{"240p", 426, 240, 300, 48, 0.4},
}

// HintFunc picks preset labels from the source file size.
type HintFunc func(sizeBytes int64) []string

// SelectQualities trades quality for encode time on large inputs.
func SelectQualities(sizeBytes int64) []string {
	switch {
	case sizeBytes > LargeFileThreshold:
		return []string{"480p", "360p"}
	case sizeBytes > MediumFileThreshold:
		return []string{"720p", "480p"}
	default:
		return []string{"1080p", "720p", "480p"}
	}
}

// SelectLadder returns the presets to encode for meta, highest first.
// Presets taller than the source are dropped; if none remain the 360p
// preset is used on its own. A nil hint uses SelectQualities.
func SelectLadder(meta VideoMetadata, hint HintFunc) []Preset {
	if hint == nil {
		hint = SelectQualities
	}
	labels := hint(meta.OriginalSizeBytes)

	var ladder []Preset
	for _, p := range Presets {
		if slices.Contains(labels, p.Label) && p.Height <= meta.Height {
			ladder = append(ladder, p)
		}
	}

	if len(ladder) == 0 {
		if p := PresetByLabel(FallbackLabel); p != nil {
			ladder = append(ladder, *p)
		}
	}

	return ladder
}

// PresetByLabel returns the preset with the given label, or nil.
func PresetByLabel(label string) *Preset {
	for i := range Presets {
		if Presets[i].Label == label {
			return &Presets[i]
		}
	}
	return nil
}

// FitWithin returns output dimensions for a source inside a target box.
// Sources that already fit keep their native size; larger ones are scaled
// by the limiting dimension with the aspect ratio preserved. Results are
// even because H.264 with 4:2:0 chroma requires it.
func FitWithin(srcW, srcH, boxW, boxH int) (int, int) {
	if srcW <= 0 || srcH <= 0 {
		return even(boxW), even(boxH)
	}
	if srcW <= boxW && srcH <= boxH {
		return even(srcW), even(srcH)
	}

	srcAspect := float64(srcW) / float64(srcH)
	boxAspect := float64(boxW) / float64(boxH)

	if srcAspect >= boxAspect {
		return even(boxW), even(int(math.Round(float64(boxW) / srcAspect)))
	}
	return even(int(math.Round(float64(boxH) * srcAspect))), even(boxH)
}

func even(n int) int {
	n -= n % 2
	if n < 2 {
		return 2
	}
	return n
}

// QualityToCRF maps a 0..1 quality factor onto the x264 CRF scale (higher quality, lower CRF).
func QualityToCRF(quality float64) int {
	quality = math.Max(0, math.Min(1, quality))
	return 18 + int(math.Round((1-quality)*15))
}
