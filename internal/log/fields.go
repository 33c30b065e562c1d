package log

// Canonical field name constants for structured logging.
const (
	FieldStreamKey = "stream_key"
	FieldRequestID = "request_id"
	FieldComponent = "component"
	FieldEvent     = "event"

	// State fields
	FieldOldState = "old_state"
	FieldNewState = "new_state"

	// Path fields
	FieldPath         = "path"
	FieldPublishDir   = "publish_dir"
	FieldPlaylistPath = "playlist_path"
	FieldArchiveDir   = "archive_dir"
)
