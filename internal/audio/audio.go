// Package audio drives the native capture and playback engines. The session
// manager only sees the Recorder and Player interfaces; the ffmpeg/ffplay
// implementations here shell out the same way the rest of the codebase does
// for media work.
package audio

import (
	"context"
	"time"
)

// SilenceDB is reported when no level is available yet.
const SilenceDB = -160.0

// Recorder captures microphone audio into files.
type Recorder interface {
	// RequestPermission reports whether capture is allowed. It may block
	// while the platform asks the user.
	RequestPermission(ctx context.Context) bool
	// Start begins capturing into path.
	Start(path string) (Capture, error)
}

// Capture is one running capture.
type Capture interface {
	// AveragePower returns the most recent average input power in dBFS.
	AveragePower() float64
	// Stop ends the capture and finalizes the file.
	Stop() error
}

// Player plays audio files.
type Player interface {
	// Play starts playback of path. onFinish runs once if playback reaches
	// the end of the file on its own; it does not run after Stop.
	Play(path string, onFinish func()) (Playback, error)
}

// Playback is one running playback.
type Playback interface {
	Pause() error
	Resume() error
	Stop() error
	CurrentTime() time.Duration
}
