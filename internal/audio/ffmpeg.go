package audio

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// rmsKey is the astats metadata key printed once per analysed frame.
const rmsKey = "lavfi.astats.Overall.RMS_level="

// stopTimeout bounds how long we wait for ffmpeg to flush after SIGINT.
const stopTimeout = 10 * time.Second

// FFmpegRecorder records from an input device with ffmpeg, encoding AAC into
// an .m4a container and reporting the RMS level through the astats filter.
type FFmpegRecorder struct {
	InputFormat string // e.g. avfoundation, pulse, alsa
	InputDevice string // e.g. ":default", "default"
	SampleRate  int
	Channels    int
	logger      *zap.Logger
}

// NewFFmpegRecorder creates a recorder. Empty format/device pick the platform default.
func NewFFmpegRecorder(inputFormat, inputDevice string, logger *zap.Logger) *FFmpegRecorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	defFormat, defDevice := defaultInput()
	if inputFormat == "" {
		inputFormat = defFormat
	}
	if inputDevice == "" {
		inputDevice = defDevice
	}
	return &FFmpegRecorder{
		InputFormat: inputFormat,
		InputDevice: inputDevice,
		SampleRate:  44100,
		Channels:    2,
		logger:      logger,
	}
}

func defaultInput() (format, device string) {
	switch runtime.GOOS {
	case "darwin":
		return "avfoundation", ":default"
	case "windows":
		return "dshow", "audio=default"
	default:
		return "pulse", "default"
	}
}

// RequestPermission checks that ffmpeg is installed. Device access is
// granted by the OS when the process first opens the microphone.
func (r *FFmpegRecorder) RequestPermission(_ context.Context) bool {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		r.logger.Warn("ffmpeg not found, recording unavailable", zap.Error(err))
		return false
	}
	return true
}

// Start launches ffmpeg writing to path.
func (r *FFmpegRecorder) Start(path string) (Capture, error) {
	cmd := exec.Command("ffmpeg",
		"-hide_banner", "-loglevel", "error",
		"-f", r.InputFormat,
		"-i", r.InputDevice,
		"-af", "astats=metadata=1:reset=1,ametadata=print:key=lavfi.astats.Overall.RMS_level:file=-",
		"-ac", strconv.Itoa(r.Channels),
		"-ar", strconv.Itoa(r.SampleRate),
		"-c:a", "aac",
		"-y",
		path,
	)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg stdout: %w", err)
	}
	// Log stderr for diagnostics
	logPath := path + ".ffmpeg.log"
	logFile, logErr := os.Create(logPath)
	if logErr == nil {
		cmd.Stderr = logFile
	}
	if err := cmd.Start(); err != nil {
		if logFile != nil {
			logFile.Close()
		}
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}

	c := &ffmpegCapture{cmd: cmd, logFile: logFile, logPath: logPath, done: make(chan error, 1)}
	c.level.Store(math.Float64bits(SilenceDB))
	go c.readLevels(stdout)
	go func() { c.done <- cmd.Wait() }()
	r.logger.Debug("capture started", zap.String("path", path), zap.String("format", r.InputFormat))
	return c, nil
}

type ffmpegCapture struct {
	cmd     *exec.Cmd
	logFile *os.File
	logPath string
	level   atomic.Uint64
	done    chan error
	stopped atomic.Bool
}

func (c *ffmpegCapture) readLevels(r io.Reader) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if db, ok := ParseRMSLevel(sc.Text()); ok {
			c.level.Store(math.Float64bits(db))
		}
	}
}

func (c *ffmpegCapture) AveragePower() float64 {
	return math.Float64frombits(c.level.Load())
}

// Stop interrupts ffmpeg so it finalizes the container, killing it if it hangs.
func (c *ffmpegCapture) Stop() error {
	if !c.stopped.CompareAndSwap(false, true) {
		return nil
	}
	defer func() {
		if c.logFile != nil {
			c.logFile.Close()
			_ = os.Remove(c.logPath)
		}
	}()
	_ = c.cmd.Process.Signal(os.Interrupt)
	select {
	case <-c.done:
		return nil
	case <-time.After(stopTimeout):
		_ = c.cmd.Process.Kill()
		<-c.done
		return fmt.Errorf("ffmpeg did not stop within %s", stopTimeout)
	}
}

// ParseRMSLevel extracts the dB value from an ametadata print line.
// "-inf" maps to SilenceDB.
func ParseRMSLevel(line string) (float64, bool) {
	i := strings.Index(line, rmsKey)
	if i < 0 {
		return 0, false
	}
	v := strings.TrimSpace(line[i+len(rmsKey):])
	if v == "-inf" {
		return SilenceDB, true
	}
	db, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return db, true
}
