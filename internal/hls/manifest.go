// Package hls parses media playlists just far enough to reason about
// manifest validity and the set of segments a manifest references.
package hls

import (
	"bufio"
	"fmt"
	"strings"
)

// Manifest represents authoritative metadata derived from a media playlist.
type Manifest struct {
	// SegmentURIs lists the segment references in playlist order.
	SegmentURIs []string
	// Ended reports whether the playlist carries #EXT-X-ENDLIST.
	Ended bool
	// MediaSequence is the value of #EXT-X-MEDIA-SEQUENCE, 0 if absent.
	MediaSequence int64
}

// Parse reads a media playlist and extracts the segment references.
// It rejects anything that does not begin with #EXTM3U: a reader must never
// mistake a torn or foreign file for a playlist.
func Parse(data []byte) (*Manifest, error) {
	scanner := bufio.NewScanner(strings.NewReader(string(data)))

	first := true
	m := &Manifest{}
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if first {
			if line != "#EXTM3U" {
				return nil, fmt.Errorf("not a valid playlist: missing #EXTM3U header")
			}
			first = false
			continue
		}

		if line == "#EXT-X-ENDLIST" {
			m.Ended = true
			continue
		}
		if seq, ok := strings.CutPrefix(line, "#EXT-X-MEDIA-SEQUENCE:"); ok {
			// Ignore a malformed value; sequence is advisory here.
			_, _ = fmt.Sscanf(seq, "%d", &m.MediaSequence)
			continue
		}
		if strings.HasPrefix(line, "#") {
			continue
		}

		// Non-comment, non-tag line is a segment URI.
		m.SegmentURIs = append(m.SegmentURIs, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan playlist: %w", err)
	}
	if first {
		return nil, fmt.Errorf("not a valid playlist: empty file")
	}

	return m, nil
}

// Valid reports whether data parses as a playlist with at least one segment.
func Valid(data []byte) bool {
	m, err := Parse(data)
	return err == nil && len(m.SegmentURIs) > 0
}
