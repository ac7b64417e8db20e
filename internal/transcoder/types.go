package transcoder

// SourceVideo is a raw upload spooled to local disk.
type SourceVideo struct {
	Path        string
	Filename    string
	ContentType string
	Size        int64
}

// VideoMetadata describes the decodable properties of a SourceVideo.
type VideoMetadata struct {
	Width             int
	Height            int
	DurationSeconds   float64
	OriginalSizeBytes int64
	HasAudio          bool
}

// SegmentFile is one fixed-duration chunk of an encoded stream.
type SegmentFile struct {
	Name            string
	Data            []byte
	DurationSeconds float64
}

// EncodedVariant is the output of one ladder rung.
type EncodedVariant struct {
	Preset          Preset
	Width           int
	Height          int
	Path            string
	DurationSeconds float64
	Segments        []SegmentFile
	Playlist        []byte
	SizeBytes       int64
}

// PlaylistName is the variant playlist file name referenced by the master manifest.
func (v *EncodedVariant) PlaylistName() string {
	return v.Preset.Label + ".m3u8"
}

// CompressedVideo is the output of a single-quality encode.
type CompressedVideo struct {
	Path        string
	Width       int
	Height      int
	BitrateKbps int
	SizeBytes   int64
}
