package audio

import (
	"fmt"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"
)

// FFplayPlayer plays files with ffplay without a display window.
type FFplayPlayer struct {
	logger *zap.Logger
}

// NewFFplayPlayer creates a player.
func NewFFplayPlayer(logger *zap.Logger) *FFplayPlayer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FFplayPlayer{logger: logger}
}

// Play launches ffplay for path.
func (p *FFplayPlayer) Play(path string, onFinish func()) (Playback, error) {
	cmd := exec.Command("ffplay", "-nodisp", "-autoexit", "-loglevel", "quiet", path)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffplay: %w", err)
	}
	pb := &ffplayPlayback{cmd: cmd, started: time.Now()}
	go func() {
		err := cmd.Wait()
		pb.mu.Lock()
		stopped := pb.stopped
		pb.stopped = true
		pb.mu.Unlock()
		if stopped {
			return
		}
		if err != nil {
			p.logger.Warn("ffplay exited with error", zap.String("path", path), zap.Error(err))
		}
		if onFinish != nil {
			onFinish()
		}
	}()
	return pb, nil
}

// ffplayPlayback tracks elapsed time on the wall clock, excluding pauses.
type ffplayPlayback struct {
	mu       sync.Mutex
	cmd      *exec.Cmd
	started  time.Time
	pausedAt time.Time
	paused   time.Duration
	stopped  bool
}

func (pb *ffplayPlayback) Pause() error {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	if pb.stopped || !pb.pausedAt.IsZero() {
		return nil
	}
	if err := suspend(pb.cmd.Process); err != nil {
		return fmt.Errorf("pause: %w", err)
	}
	pb.pausedAt = time.Now()
	return nil
}

func (pb *ffplayPlayback) Resume() error {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	if pb.stopped || pb.pausedAt.IsZero() {
		return nil
	}
	if err := resume(pb.cmd.Process); err != nil {
		return fmt.Errorf("resume: %w", err)
	}
	pb.paused += time.Since(pb.pausedAt)
	pb.pausedAt = time.Time{}
	return nil
}

func (pb *ffplayPlayback) Stop() error {
	pb.mu.Lock()
	if pb.stopped {
		pb.mu.Unlock()
		return nil
	}
	pb.stopped = true
	wasPaused := !pb.pausedAt.IsZero()
	pb.mu.Unlock()
	if wasPaused {
		_ = resume(pb.cmd.Process)
	}
	return pb.cmd.Process.Kill()
}

func (pb *ffplayPlayback) CurrentTime() time.Duration {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	end := time.Now()
	if !pb.pausedAt.IsZero() {
		end = pb.pausedAt
	}
	return end.Sub(pb.started) - pb.paused
}
