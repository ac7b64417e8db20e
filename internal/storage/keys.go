package storage

import (
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Content types for stored artifacts.
const (
	ContentTypeM3U8 = "application/vnd.apple.mpegurl"
	ContentTypeTS   = "video/mp2t"
	ContentTypeMP4  = "video/mp4"

	MasterManifestName = "master.m3u8"
)

// NewObjectKey returns a collision-safe key: {userId}/{unixMillis}-{rand}[-suffix].{ext}.
func NewObjectKey(userID, ext, suffix string) string {
	return objectKey(time.Now(), randomSuffix(), userID, ext, suffix)
}

// HLSPrefix returns a fresh prefix under which one video's HLS artifacts are stored.
func HLSPrefix(userID string) string {
	return fmt.Sprintf("%s/hls/%d-%s", userID, time.Now().UnixMilli(), randomSuffix())
}

// SegmentKey returns the key of a named segment under prefix.
func SegmentKey(prefix, name string) string {
	return path.Join(prefix, name)
}

// PlaylistKey returns the key of a variant playlist under prefix.
func PlaylistKey(prefix, label string) string {
	return path.Join(prefix, label+".m3u8")
}

// MasterKey returns the key of the master manifest under prefix.
func MasterKey(prefix string) string {
	return path.Join(prefix, MasterManifestName)
}

// ExtFromFilename returns the lowercase extension without the dot, falling back to mp4.
func ExtFromFilename(filename string) string {
	ext := strings.TrimPrefix(strings.ToLower(path.Ext(filename)), ".")
	if ext == "" {
		return "mp4"
	}
	return ext
}

func objectKey(now time.Time, rand, userID, ext, suffix string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s/%d-%s", userID, now.UnixMilli(), rand)
	if suffix != "" {
		b.WriteString("-")
		b.WriteString(suffix)
	}
	if ext != "" {
		b.WriteString(".")
		b.WriteString(strings.TrimPrefix(ext, "."))
	}
	return b.String()
}

func randomSuffix() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}
