package hls

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// Manifests are rewritten on the way out so that every URI a player follows
// comes back through the streaming endpoints with the playback token
// attached. Directive lines and blank lines pass through untouched.

// RewriteMaster appends the playback token to every variant URI in a master
// playlist.
func RewriteMaster(r io.Reader, w io.Writer, token string) error {
	return rewrite(r, w, "", token)
}

// RewriteRendition rewrites a rendition playlist. Segment URIs produced by
// the transcoder are relative to the rendition directory, so bare file names
// are prefixed with renditionDir before the token is attached. renditionDir
// may be empty for flat playlists.
func RewriteRendition(r io.Reader, w io.Writer, renditionDir, token string) error {
	return rewrite(r, w, renditionDir, token)
}

func rewrite(r io.Reader, w io.Writer, renditionDir, token string) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			if _, err := io.WriteString(w, line+"\n"); err != nil {
				return err
			}
			continue
		}
		uri := trimmed
		if renditionDir != "" && !strings.Contains(uri, "/") {
			uri = renditionDir + "/" + uri
		}
		if token != "" {
			uri = appendToken(uri, token)
		}
		if _, err := io.WriteString(w, uri+"\n"); err != nil {
			return err
		}
	}
	return scanner.Err()
}

func appendToken(uri, token string) string {
	separator := "?"
	if strings.Contains(uri, "?") {
		separator = "&"
	}
	return fmt.Sprintf("%s%stoken=%s", uri, separator, token)
}

// RenditionDir derives the segment directory for a rendition playlist from
// its file name: stream_0.m3u8 keeps its segments under stream_0/.
func RenditionDir(manifestName string) string {
	name := manifestName
	if idx := strings.LastIndex(name, "/"); idx >= 0 {
		name = name[idx+1:]
	}
	return strings.TrimSuffix(name, ".m3u8")
}
