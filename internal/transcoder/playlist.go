package transcoder

import (
	"bytes"
	"errors"
	"fmt"
	"math"

	"github.com/grafov/m3u8"
)

// BuildVariantPlaylist renders a closed VOD playlist over segments in order.
func BuildVariantPlaylist(segments []SegmentFile, segmentDuration float64) ([]byte, error) {
	if len(segments) == 0 {
		return nil, errors.New("playlist needs at least one segment")
	}

	p, err := m3u8.NewMediaPlaylist(0, uint(len(segments)))
	if err != nil {
		return nil, fmt.Errorf("failed to create playlist: %w", err)
	}
	p.MediaType = m3u8.VOD

	target := segmentDuration
	for _, s := range segments {
		if err := p.Append(s.Name, s.DurationSeconds, ""); err != nil {
			return nil, fmt.Errorf("failed to append %s: %w", s.Name, err)
		}
		target = math.Max(target, s.DurationSeconds)
	}
	p.TargetDuration = math.Ceil(target)
	p.Close()

	return bytes.Clone(p.Encode().Bytes()), nil
}

// BuildMasterManifest lists every variant in the given order, with
// bandwidth from the preset bitrate and resolution from the preset box.
func BuildMasterManifest(variants []*EncodedVariant) ([]byte, error) {
	if len(variants) == 0 {
		return nil, errors.New("master manifest needs at least one variant")
	}

	m := m3u8.NewMasterPlaylist()
	for _, v := range variants {
		m.Append(v.PlaylistName(), nil, m3u8.VariantParams{
			Bandwidth:  uint32(v.Preset.Bandwidth()),
			Resolution: v.Preset.Resolution(),
		})
	}

	return bytes.Clone(m.Encode().Bytes()), nil
}
