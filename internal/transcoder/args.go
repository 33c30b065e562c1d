// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package transcoder

import (
	"fmt"
	"path/filepath"
)

// InputSpec defines the source stream parameters.
type InputSpec struct {
	SourceURL string
}

// OutputSpec defines the destination layout inside a session's publish dir.
type OutputSpec struct {
	Playlist        string // write target for the manifest (the .tmp path)
	SegmentFilename string // segment pattern (seg_%06d.ts)
	SegmentDuration int    // target duration in seconds
	PlaylistWindow  int    // number of segments kept in the playlist
	DeleteSegments  bool   // remove segments that rotated out of the window
}

// SegmentPattern returns the segment filename pattern for a session dir.
func SegmentPattern(dir string) string {
	return filepath.Join(dir, "seg_%06d.ts")
}

// BuildHLSArgs constructs the ffmpeg arguments for HLS transcoding
// (H.264 video, AAC audio, segmented output). It avoids shell usage
// entirely; every value is a discrete argv element.
func BuildHLSArgs(in InputSpec, out OutputSpec) ([]string, error) {
	if in.SourceURL == "" {
		return nil, fmt.Errorf("missing source URL")
	}
	if out.Playlist == "" {
		return nil, fmt.Errorf("missing playlist path")
	}

	segDur := out.SegmentDuration
	if segDur <= 0 {
		segDur = 2
	}
	window := out.PlaylistWindow
	if window <= 0 {
		window = 10
	}

	// temp_file makes the muxer write each playlist update to a side file
	// and rename it into place, so the write target is never mid-write.
	hlsFlags := "temp_file"
	if out.DeleteSegments {
		hlsFlags = "delete_segments+" + hlsFlags
	}

	args := []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "error", // We capture stderr
		"-nostats",
		"-i", in.SourceURL,
		"-c:v", "libx264",
		"-c:a", "aac",
		"-f", "hls",
		"-hls_time", fmt.Sprintf("%d", segDur),
		"-hls_list_size", fmt.Sprintf("%d", window),
		"-hls_flags", hlsFlags,
	}
	if out.SegmentFilename != "" {
		args = append(args, "-hls_segment_filename", out.SegmentFilename)
	}
	args = append(args, out.Playlist)

	return args, nil
}
