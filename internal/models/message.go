package models

// Message statuses mirrored into the conversation thread.
const (
	MessageStatusUploading = "uploading"
	MessageStatusUploaded  = "uploaded"
	MessageStatusFailed    = "failed"
)

// ThreadMessage is the payload for creating the placeholder message that
// represents an upload inside a conversation thread.
type ThreadMessage struct {
	ParticipantType string          `json:"participant_type"`
	MessageType     string          `json:"message_type"`
	Metadata        MessageMetadata `json:"metadata"`
}

// MessageMetadata carries the upload-related fields the UI renders.
type MessageMetadata struct {
	InputType       string    `json:"input_type"`
	RecordingID     string    `json:"recording_id"`
	DurationSeconds int       `json:"duration_seconds"`
	Status          string    `json:"status"`
	UploadProgress  int       `json:"upload_progress"`
	StoragePath     string    `json:"storage_path,omitempty"`
	Error           string    `json:"error,omitempty"`
	Waveform        []float32 `json:"waveform,omitempty"`
}
