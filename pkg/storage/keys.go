package storage

import (
	"path"
	"strconv"
	"strings"
	"time"
)

const (
	// FolderUsers is the top-level prefix for per-user objects.
	FolderUsers = "users"
	// RecordingExt is the extension of uploaded audio.
	RecordingExt = ".m4a"
	// ContentTypeAudio is sent with every upload.
	ContentTypeAudio = "audio/mp4"

	// Metadata keys sent as x-amz-meta-*. S3 lower-cases them on read.
	MetaFileName = "filename"
	MetaDuration = "duration"
	MetaDate     = "date"
)

// UserPrefix returns the namespace of a user's objects: users/{uid}/.
func UserPrefix(userID string) string {
	return FolderUsers + "/" + userID + "/"
}

// RecordingKey returns the object key users/{uid}/{recording_id}.m4a.
func RecordingKey(userID, recordingID string) string {
	return path.Join(FolderUsers, userID, recordingID+RecordingExt)
}

// ParseRecordingKey extracts user and recording ids from a recording key.
func ParseRecordingKey(key string) (userID, recordingID string, ok bool) {
	if strings.ToLower(path.Ext(key)) != RecordingExt {
		return "", "", false
	}
	parts := strings.Split(key, "/")
	if len(parts) != 3 || parts[0] != FolderUsers || parts[1] == "" {
		return "", "", false
	}
	id := strings.TrimSuffix(parts[2], path.Ext(parts[2]))
	if id == "" {
		return "", "", false
	}
	return parts[1], id, true
}

// RecordingMetadata builds the descriptive metadata attached to an upload.
func RecordingMetadata(fileName string, durationSec float64, date time.Time) map[string]string {
	return map[string]string{
		MetaFileName: fileName,
		MetaDuration: strconv.FormatFloat(durationSec, 'f', -1, 64),
		MetaDate:     strconv.FormatInt(date.Unix(), 10),
	}
}

// ParseRecordingMetadata reads metadata written by RecordingMetadata. Missing
// or malformed values fall back to zero values.
func ParseRecordingMetadata(meta map[string]string) (fileName string, durationSec float64, date time.Time) {
	lookup := func(k string) string {
		if v, ok := meta[k]; ok {
			return v
		}
		for mk, v := range meta {
			if strings.EqualFold(mk, k) {
				return v
			}
		}
		return ""
	}
	fileName = lookup(MetaFileName)
	durationSec, _ = strconv.ParseFloat(lookup(MetaDuration), 64)
	if secs, err := strconv.ParseFloat(lookup(MetaDate), 64); err == nil {
		date = time.Unix(int64(secs), 0)
	}
	return fileName, durationSec, date
}
