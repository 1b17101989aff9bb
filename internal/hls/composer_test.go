package hls

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/vodarr/internal/ffmpeg"
)

func ladderVariants() []ffmpeg.Variant {
	return []ffmpeg.Variant{
		{Label: "1080p", Width: 1920, Height: 1080, BandwidthBPS: 1928000, PlaylistPath: "1080p/index.m3u8"},
		{Label: "480p", Width: 854, Height: 480, BandwidthBPS: 696000, PlaylistPath: "480p/index.m3u8"},
		{Label: "720p", Width: 1280, Height: 720, BandwidthBPS: 1128000, PlaylistPath: "720p/index.m3u8"},
	}
}

func TestCompose_VideoLadder(t *testing.T) {
	data, err := Compose(ladderVariants())
	require.NoError(t, err)

	expected := "#EXTM3U\n" +
		"#EXT-X-VERSION:3\n" +
		"#EXT-X-STREAM-INF:BANDWIDTH=696000,RESOLUTION=854x480\n" +
		"480p/index.m3u8\n" +
		"#EXT-X-STREAM-INF:BANDWIDTH=1128000,RESOLUTION=1280x720\n" +
		"720p/index.m3u8\n" +
		"#EXT-X-STREAM-INF:BANDWIDTH=1928000,RESOLUTION=1920x1080\n" +
		"1080p/index.m3u8\n"
	assert.Equal(t, expected, string(data))
}

func TestCompose_Deterministic(t *testing.T) {
	a, err := Compose(ladderVariants())
	require.NoError(t, err)
	b, err := Compose(ladderVariants())
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestCompose_AudioOnly(t *testing.T) {
	data, err := Compose([]ffmpeg.Variant{{
		Label: "audio", BandwidthBPS: 128000, PlaylistPath: "audio/index.m3u8", AudioOnly: true,
	}})
	require.NoError(t, err)
	assert.Equal(t,
		"#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-STREAM-INF:BANDWIDTH=128000,CODECS=\"mp4a.40.2\"\naudio/index.m3u8\n",
		string(data))
	assert.NotContains(t, string(data), "RESOLUTION")
}

func TestCompose_Errors(t *testing.T) {
	_, err := Compose(nil)
	assert.ErrorIs(t, err, ErrNoVariants)

	_, err = Compose([]ffmpeg.Variant{{Label: "x", PlaylistPath: "x/index.m3u8"}})
	assert.Error(t, err)
}

func TestComposeParse_RoundTrip(t *testing.T) {
	data, err := Compose(ladderVariants())
	require.NoError(t, err)

	labels, err := ParseMasterLabels(data)
	require.NoError(t, err)
	assert.Equal(t, []string{"480p", "720p", "1080p"}, labels)
}

func writeVariantPlaylists(t *testing.T, dir string, variants []ffmpeg.Variant) {
	t.Helper()
	for _, v := range variants {
		path := filepath.Join(dir, filepath.FromSlash(v.PlaylistPath))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte("#EXTM3U\n"), 0o644))
	}
}

func TestWriteMaster(t *testing.T) {
	dir := t.TempDir()
	variants := ladderVariants()
	writeVariantPlaylists(t, dir, variants)

	path, err := WriteMaster(dir, variants)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, MasterName), path)

	temps, err := filepath.Glob(filepath.Join(dir, ".*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, temps)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	uris, err := ParseMasterURIs(data)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"480p/index.m3u8", "720p/index.m3u8", "1080p/index.m3u8"}, uris)

	leftovers, err := filepath.Glob(filepath.Join(dir, ".*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestWriteMaster_MissingVariant(t *testing.T) {
	dir := t.TempDir()
	variants := ladderVariants()
	writeVariantPlaylists(t, dir, variants[:2])

	_, err := WriteMaster(dir, variants)
	assert.Error(t, err)
	assert.NoFileExists(t, filepath.Join(dir, MasterName))
}

func TestParseMasterURIs_RejectsMediaPlaylist(t *testing.T) {
	media := "#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:4\n#EXTINF:4.000,\nsegment_00000.ts\n#EXT-X-ENDLIST\n"
	_, err := ParseMasterURIs([]byte(media))
	assert.Error(t, err)
}

func TestSameSet(t *testing.T) {
	assert.True(t, sameSet([]string{"a", "b"}, []string{"b", "a"}))
	assert.False(t, sameSet([]string{"a", "a"}, []string{"a", "b"}))
	assert.False(t, sameSet([]string{"a"}, []string{"a", "b"}))
}
