package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// RecordingStatus is the upload/processing stage of a RecordingRecord.
type RecordingStatus string

const (
	RecordingStatusIncomplete RecordingStatus = "incomplete"
	RecordingStatusUploading  RecordingStatus = "uploading"
	RecordingStatusComplete   RecordingStatus = "complete"
	RecordingStatusFailed     RecordingStatus = "failed"

	// recordingStatusCompletedLegacy is still present in older documents.
	recordingStatusCompletedLegacy = "completed"
)

// ParseRecordingStatus normalizes a stored status string. The legacy
// "completed" spelling maps to complete; anything unknown maps to incomplete.
func ParseRecordingStatus(s string) RecordingStatus {
	switch s {
	case recordingStatusCompletedLegacy:
		return RecordingStatusComplete
	case string(RecordingStatusIncomplete), string(RecordingStatusUploading),
		string(RecordingStatusComplete), string(RecordingStatusFailed):
		return RecordingStatus(s)
	default:
		return RecordingStatusIncomplete
	}
}

// CanTransition reports whether moving from s to next is a valid step:
// incomplete → uploading → {complete, failed}.
func (s RecordingStatus) CanTransition(next RecordingStatus) bool {
	switch s {
	case RecordingStatusIncomplete:
		return next == RecordingStatusUploading
	case RecordingStatusUploading:
		return next == RecordingStatusComplete || next == RecordingStatusFailed
	default:
		return false
	}
}

// Terminal reports whether no further transition is possible.
func (s RecordingStatus) Terminal() bool {
	return s == RecordingStatusComplete || s == RecordingStatusFailed
}

// DisplayText is the label shown next to a remote recording.
func (s RecordingStatus) DisplayText() string {
	switch s {
	case RecordingStatusUploading:
		return "Uploading"
	case RecordingStatusComplete:
		return "Ready"
	case RecordingStatusFailed:
		return "Failed"
	default:
		return "Processing"
	}
}

// UnmarshalJSON accepts the legacy spelling.
func (s *RecordingStatus) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("status: %w", err)
	}
	*s = ParseRecordingStatus(raw)
	return nil
}

// Recording is one locally captured clip in the catalog.
type Recording struct {
	ID          uuid.UUID `json:"id"`
	FileName    string    `json:"fileName"`
	Date        time.Time `json:"date"`
	Duration    float64   `json:"duration"` // seconds
	DownloadURL string    `json:"downloadURL,omitempty"`
}

// NewRecording creates a catalog entry for a freshly captured file.
func NewRecording(fileName string, duration time.Duration, now time.Time) Recording {
	return Recording{
		ID:       uuid.New(),
		FileName: fileName,
		Date:     now,
		Duration: duration.Seconds(),
	}
}

// WithDownloadURL returns a copy carrying the remote reference.
func (r Recording) WithDownloadURL(url string) Recording {
	r.DownloadURL = url
	return r
}

// FormattedDuration renders the duration as mm:ss.
func (r Recording) FormattedDuration() string {
	return formatDuration(r.Duration)
}

// RecordingRecord is the remote metadata mirror of a Recording.
type RecordingRecord struct {
	ID            string          `json:"id"`
	FileName      string          `json:"fileName"`
	StoragePath   string          `json:"storagePath"`
	Duration      float64         `json:"duration"`
	Status        RecordingStatus `json:"status"`
	CreatedAt     string          `json:"createdAt"`
	Transcription string          `json:"transcription,omitempty"`
	DownloadURL   string          `json:"downloadURL,omitempty"`
}

// NewRecordingRecord builds the initial remote record for a local recording.
func NewRecordingRecord(rec Recording, storagePath string) RecordingRecord {
	return RecordingRecord{
		ID:          rec.ID.String(),
		FileName:    rec.FileName,
		StoragePath: storagePath,
		Duration:    rec.Duration,
		Status:      RecordingStatusIncomplete,
		CreatedAt:   rec.Date.UTC().Format(time.RFC3339),
	}
}

// recordingRecordWire mirrors RecordingRecord with a duration that may be a
// number or a numeric string. Pointers tell absent keys from empty values.
type recordingRecordWire struct {
	ID            *string         `json:"id"`
	FileName      *string         `json:"fileName"`
	StoragePath   *string         `json:"storagePath"`
	Duration      json.RawMessage `json:"duration"`
	Status        *string         `json:"status"`
	CreatedAt     *string         `json:"createdAt"`
	Transcription string          `json:"transcription"`
	DownloadURL   string          `json:"downloadURL"`
}

// UnmarshalJSON decodes flexible remote documents.
func (r *RecordingRecord) UnmarshalJSON(data []byte) error {
	var w recordingRecordWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if w.ID == nil || w.FileName == nil || w.StoragePath == nil {
		return fmt.Errorf("recording record: missing id, fileName or storagePath")
	}
	id := *w.ID
	if w.Status == nil || w.CreatedAt == nil {
		return fmt.Errorf("recording record %s: missing status or createdAt", id)
	}
	dur, err := parseFlexibleDuration(w.Duration)
	if err != nil {
		return fmt.Errorf("recording record %s: %w", id, err)
	}
	*r = RecordingRecord{
		ID:            id,
		FileName:      *w.FileName,
		StoragePath:   *w.StoragePath,
		Duration:      dur,
		Status:        ParseRecordingStatus(*w.Status),
		CreatedAt:     *w.CreatedAt,
		Transcription: w.Transcription,
		DownloadURL:   w.DownloadURL,
	}
	return nil
}

func parseFlexibleDuration(raw json.RawMessage) (float64, error) {
	if len(raw) == 0 {
		return 0, fmt.Errorf("missing duration")
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, fmt.Errorf("duration: %w", err)
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("duration: %w", err)
	}
	return n, nil
}

// CreatedAtTime parses CreatedAt. ok is false for unparsable timestamps.
func (r RecordingRecord) CreatedAtTime() (t time.Time, ok bool) {
	t, err := time.Parse(time.RFC3339, r.CreatedAt)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// FormattedDuration renders the duration as mm:ss.
func (r RecordingRecord) FormattedDuration() string {
	return formatDuration(r.Duration)
}

func formatDuration(seconds float64) string {
	total := int(seconds)
	return fmt.Sprintf("%02d:%02d", total/60, total%60)
}
