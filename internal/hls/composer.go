// Package hls composes and verifies HLS master playlists for rendition sets.
package hls

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/bluenviron/gohlslib/v2/pkg/playlist"

	"github.com/jmylchreest/vodarr/internal/ffmpeg"
	"github.com/jmylchreest/vodarr/internal/storage"
)

// MasterName is the file name of the master playlist inside a rendition directory.
const MasterName = "master.m3u8"

// audioCodecs is advertised for audio-only variants (AAC-LC).
const audioCodecs = "mp4a.40.2"

var (
	// ErrNoVariants is returned when composing an empty variant set.
	ErrNoVariants = errors.New("no variants to compose")
	// ErrManifestMismatch is returned when a written manifest does not reference
	// exactly the expected variants.
	ErrManifestMismatch = errors.New("master playlist does not match variant set")
)

// Compose renders a master playlist. Variants are emitted in ascending
// bandwidth order; ties keep their input order. The output depends only on
// the variant set.
func Compose(variants []ffmpeg.Variant) ([]byte, error) {
	if len(variants) == 0 {
		return nil, ErrNoVariants
	}

	ordered := make([]ffmpeg.Variant, len(variants))
	copy(ordered, variants)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].BandwidthBPS < ordered[j].BandwidthBPS
	})

	var b bytes.Buffer
	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")

	for _, v := range ordered {
		if v.Label == "" || v.PlaylistPath == "" {
			return nil, fmt.Errorf("variant %q has no playlist path", v.Label)
		}
		if v.BandwidthBPS <= 0 {
			return nil, fmt.Errorf("variant %q has no bandwidth", v.Label)
		}

		b.WriteString("#EXT-X-STREAM-INF:BANDWIDTH=")
		b.WriteString(strconv.Itoa(v.BandwidthBPS))
		if v.AudioOnly {
			b.WriteString(`,CODECS="` + audioCodecs + `"`)
		} else if v.Width > 0 && v.Height > 0 {
			b.WriteString(",RESOLUTION=" + strconv.Itoa(v.Width) + "x" + strconv.Itoa(v.Height))
		}
		b.WriteString("\n")
		b.WriteString(v.PlaylistPath)
		b.WriteString("\n")
	}

	return b.Bytes(), nil
}

// WriteMaster writes dir/master.m3u8 for variants and verifies the result.
// Every variant playlist must already exist under dir. The manifest is
// written to a temporary file and renamed into place, then parsed back and
// checked to reference exactly the given variants.
func WriteMaster(dir string, variants []ffmpeg.Variant) (string, error) {
	for _, v := range variants {
		if _, err := os.Stat(filepath.Join(dir, filepath.FromSlash(v.PlaylistPath))); err != nil {
			return "", fmt.Errorf("variant %s playlist missing: %w", v.Label, err)
		}
	}

	data, err := Compose(variants)
	if err != nil {
		return "", err
	}

	sb, err := storage.NewSandbox(dir)
	if err != nil {
		return "", err
	}
	if _, err := sb.AtomicWriteReader(MasterName, bytes.NewReader(data)); err != nil {
		return "", fmt.Errorf("writing master playlist: %w", err)
	}
	target := filepath.Join(dir, MasterName)

	written, err := os.ReadFile(target)
	if err != nil {
		return "", fmt.Errorf("reading back master playlist: %w", err)
	}
	uris, err := ParseMasterURIs(written)
	if err != nil {
		_ = os.Remove(target)
		return "", err
	}
	if !sameSet(uris, variantPaths(variants)) {
		_ = os.Remove(target)
		return "", ErrManifestMismatch
	}

	return target, nil
}

// ParseMasterURIs returns the variant URIs referenced by a master playlist, in order.
func ParseMasterURIs(data []byte) ([]string, error) {
	pl, err := playlist.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("parsing master playlist: %w", err)
	}
	mv, ok := pl.(*playlist.Multivariant)
	if !ok {
		return nil, errors.New("expected multivariant playlist, got media")
	}

	uris := make([]string, 0, len(mv.Variants))
	for _, v := range mv.Variants {
		if v != nil {
			uris = append(uris, v.URI)
		}
	}
	return uris, nil
}

// ParseMasterLabels returns the tier labels referenced by a master playlist.
// A label is the first path element of a variant URI.
func ParseMasterLabels(data []byte) ([]string, error) {
	uris, err := ParseMasterURIs(data)
	if err != nil {
		return nil, err
	}
	labels := make([]string, len(uris))
	for i, u := range uris {
		labels[i] = labelOf(u)
	}
	return labels, nil
}

func labelOf(uri string) string {
	for i := 0; i < len(uri); i++ {
		if uri[i] == '/' {
			return uri[:i]
		}
	}
	return uri
}

func variantPaths(variants []ffmpeg.Variant) []string {
	paths := make([]string, len(variants))
	for i, v := range variants {
		paths[i] = v.PlaylistPath
	}
	return paths
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	counts := make(map[string]int, len(a))
	for _, s := range a {
		counts[s]++
	}
	for _, s := range b {
		counts[s]--
		if counts[s] < 0 {
			return false
		}
	}
	return true
}
