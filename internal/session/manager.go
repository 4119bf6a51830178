// Package session owns the recording and playback lifecycle and the local
// catalog of recordings. All state lives on the dispatch queue; every
// mutation publishes a fresh State snapshot to subscribers.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/echoes-app/echoes/internal/audio"
	"github.com/echoes-app/echoes/internal/clock"
	"github.com/echoes-app/echoes/internal/dispatch"
	"github.com/echoes-app/echoes/internal/models"
	"github.com/echoes-app/echoes/internal/observe"
	"github.com/echoes-app/echoes/pkg/kv"
)

const (
	// CatalogKey is the key-value entry holding the encoded catalog.
	CatalogKey = "SavedRecordings"
	// RecordingTick is the metering and elapsed-time interval while recording.
	RecordingTick = 50 * time.Millisecond
	// PlaybackTick is the elapsed-time interval while playing.
	PlaybackTick = 100 * time.Millisecond

	// Levels at or below floorDB read as silence.
	floorDB = -60.0
)

var (
	ErrPermissionDenied  = errors.New("recording permission denied")
	ErrAlreadyRecording  = errors.New("recording already in progress")
	ErrNotRecording      = errors.New("no recording in progress")
	ErrRecordingNotFound = errors.New("recording not found")
	ErrAudioUnavailable  = errors.New("audio file not available locally or remotely")
)

// State is the observable session snapshot.
type State struct {
	Recordings       []models.Recording `json:"recordings"`
	IsRecording      bool               `json:"isRecording"`
	IsPlaying        bool               `json:"isPlaying"`
	CurrentPlayingID *uuid.UUID         `json:"currentPlayingId,omitempty"`
	RecordingTime    float64            `json:"recordingTime"` // seconds
	PlaybackTime     float64            `json:"playbackTime"`  // seconds
	AudioLevel       float64            `json:"audioLevel"`    // 0..1
}

// Remote is the cloud side used after capture, on delete and for playback of
// recordings that only exist remotely.
type Remote interface {
	Upload(ctx context.Context, rec models.Recording, localPath string) (downloadURL string, err error)
	DeleteRemote(ctx context.Context, rec models.Recording) error
	Download(ctx context.Context, downloadURL, dest string) error
}

// AuthSource reports whether a user session exists.
type AuthSource interface {
	Authenticated() bool
}

// Config wires a Manager.
type Config struct {
	Dir      string // directory holding audio files
	Recorder audio.Recorder
	Player   audio.Player
	Store    kv.Store
	Remote   Remote     // optional
	Auth     AuthSource // optional
	Clock    clock.Clock
	Logger   *zap.Logger
}

type phase int

const (
	phaseIdle phase = iota
	phaseRequestingPermission
	phaseRecording
	phaseStopping
)

// Manager is the recording session manager.
type Manager struct {
	q        *dispatch.Queue
	dir      string
	recorder audio.Recorder
	player   audio.Player
	store    kv.Store
	remote   Remote
	auth     AuthSource
	clock    clock.Clock
	logger   *zap.Logger
	state    *observe.Value[State]

	bg        sync.WaitGroup
	saves     chan []byte
	saverDone chan struct{}
	closeOnce sync.Once

	// Fields below are only touched on q.
	recordings    []models.Recording
	phase         phase
	capture       audio.Capture
	captureFile   string
	recordingTime time.Duration
	audioLevel    float64
	stopRecTimer  func()
	recGen        int

	playback      audio.Playback
	isPlaying     bool
	currentID     *uuid.UUID
	playbackTime  time.Duration
	stopPlayTimer func()
	playGen       int
	closed        bool
}

// NewManager loads the catalog and returns a ready manager.
func NewManager(ctx context.Context, q *dispatch.Queue, cfg Config) (*Manager, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Recorder == nil || cfg.Player == nil || cfg.Store == nil {
		return nil, fmt.Errorf("session: recorder, player and store are required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create recordings dir: %w", err)
	}
	m := &Manager{
		q:         q,
		dir:       cfg.Dir,
		recorder:  cfg.Recorder,
		player:    cfg.Player,
		store:     cfg.Store,
		remote:    cfg.Remote,
		auth:      cfg.Auth,
		clock:     cfg.Clock,
		logger:    cfg.Logger,
		saves:     make(chan []byte, 1),
		saverDone: make(chan struct{}),
	}
	m.recordings = m.loadCatalog(ctx)
	m.state = observe.NewValue(m.snapshot())
	go m.saver()
	return m, nil
}

// Subscribe registers fn for every state change. fn runs on the dispatch
// queue and must not block.
func (m *Manager) Subscribe(fn func(State)) (cancel func()) {
	return m.state.Subscribe(fn)
}

// State returns the latest published snapshot.
func (m *Manager) State() State {
	return m.state.Get()
}

// FilePath returns the local path of an audio file name.
func (m *Manager) FilePath(fileName string) string {
	return filepath.Join(m.dir, filepath.Base(fileName))
}

// StartRecording asks for permission and begins capture.
func (m *Manager) StartRecording(ctx context.Context) error {
	var err error
	if syncErr := m.q.Sync(ctx, func() {
		if m.phase != phaseIdle {
			err = ErrAlreadyRecording
			return
		}
		m.phase = phaseRequestingPermission
	}); syncErr != nil {
		return syncErr
	}
	if err != nil {
		return err
	}

	granted := m.recorder.RequestPermission(ctx)

	if syncErr := m.q.Sync(context.WithoutCancel(ctx), func() {
		if !granted {
			m.phase = phaseIdle
			m.logger.Info("recording permission denied")
			err = ErrPermissionDenied
			return
		}
		err = m.beginRecording()
	}); syncErr != nil {
		return syncErr
	}
	return err
}

func (m *Manager) beginRecording() error {
	now := m.clock.Now()
	fileName := fmt.Sprintf("recording_%d.m4a", now.Unix())
	capture, err := m.recorder.Start(m.FilePath(fileName))
	if err != nil {
		m.phase = phaseIdle
		m.logger.Error("start capture failed", zap.Error(err), zap.String("file", fileName))
		return fmt.Errorf("start capture: %w", err)
	}

	m.cancelRecordingTimer()
	m.capture = capture
	m.captureFile = fileName
	m.phase = phaseRecording
	m.recordingTime = 0
	m.audioLevel = 0
	m.recGen++
	gen := m.recGen
	m.stopRecTimer = m.clock.Every(RecordingTick, func() {
		_ = m.q.Sync(context.Background(), func() { m.recordingTick(gen) })
	})
	m.logger.Info("recording started", zap.String("file", fileName))
	m.publish()
	return nil
}

func (m *Manager) recordingTick(gen int) {
	if gen != m.recGen || m.phase != phaseRecording {
		return
	}
	m.recordingTime += RecordingTick
	m.audioLevel = NormalizeLevel(m.capture.AveragePower())
	m.publish()
}

func (m *Manager) cancelRecordingTimer() {
	if m.stopRecTimer != nil {
		m.stopRecTimer()
		m.stopRecTimer = nil
	}
	m.recGen++
}

// StopRecording ends capture, prepends the new recording to the catalog and,
// when signed in, uploads it in the background. The recording is published
// only once the capture has finished writing its file.
func (m *Manager) StopRecording(ctx context.Context) (models.Recording, error) {
	var (
		capture  audio.Capture
		fileName string
		duration time.Duration
		stopped  time.Time
		err      error
	)
	if syncErr := m.q.Sync(ctx, func() {
		if m.phase != phaseRecording {
			err = ErrNotRecording
			return
		}
		m.cancelRecordingTimer()
		capture = m.capture
		m.capture = nil
		m.phase = phaseStopping
		fileName, duration, stopped = m.captureFile, m.recordingTime, m.clock.Now()
	}); syncErr != nil {
		return models.Recording{}, syncErr
	}
	if err != nil {
		return models.Recording{}, err
	}

	if err := capture.Stop(); err != nil {
		m.logger.Warn("capture did not stop cleanly", zap.Error(err), zap.String("file", fileName))
	}

	var rec models.Recording
	if syncErr := m.q.Sync(context.WithoutCancel(ctx), func() {
		m.phase = phaseIdle
		rec = models.NewRecording(fileName, duration, stopped)
		m.recordings = append([]models.Recording{rec}, m.recordings...)
		m.persist()

		m.recordingTime = 0
		m.audioLevel = 0
		m.publish()
	}); syncErr != nil {
		return models.Recording{}, syncErr
	}
	m.logger.Info("recording stopped", zap.String("recording_id", rec.ID.String()), zap.Float64("duration", rec.Duration))

	if m.remote != nil && m.auth != nil && m.auth.Authenticated() {
		m.goBackground(func() { m.upload(rec) })
	}
	return rec, nil
}

func (m *Manager) upload(rec models.Recording) {
	url, err := m.remote.Upload(context.Background(), rec, m.FilePath(rec.FileName))
	if err != nil {
		m.logger.Warn("upload failed", zap.Error(err), zap.String("recording_id", rec.ID.String()))
		return
	}
	if url == "" {
		return
	}
	m.q.Async(func() { m.setDownloadURL(rec.ID, url) })
}

func (m *Manager) setDownloadURL(id uuid.UUID, url string) {
	for i := range m.recordings {
		if m.recordings[i].ID == id {
			m.recordings[i] = m.recordings[i].WithDownloadURL(url)
			m.persist()
			m.publish()
			return
		}
	}
	// Deleted while the upload was in flight.
	m.logger.Debug("upload finished for removed recording", zap.String("recording_id", id.String()))
}

// Play starts, pauses or resumes playback of id.
func (m *Manager) Play(ctx context.Context, id uuid.UUID) error {
	var err error
	if syncErr := m.q.Sync(ctx, func() { err = m.play(id) }); syncErr != nil {
		return syncErr
	}
	return err
}

func (m *Manager) play(id uuid.UUID) error {
	if m.currentID != nil && *m.currentID == id && m.playback != nil {
		if m.isPlaying {
			m.pause()
			return nil
		}
		return m.resume()
	}

	rec, ok := m.find(id)
	if !ok {
		return ErrRecordingNotFound
	}
	m.stopPlayback()

	path := m.FilePath(rec.FileName)
	if _, err := os.Stat(path); err == nil {
		return m.startPlayback(id, path)
	}
	if rec.DownloadURL == "" || m.remote == nil {
		return ErrAudioUnavailable
	}

	m.playGen++
	gen := m.playGen
	url := rec.DownloadURL
	m.logger.Info("downloading recording for playback", zap.String("recording_id", id.String()))
	m.goBackground(func() {
		if err := m.remote.Download(context.Background(), url, path); err != nil {
			m.logger.Warn("download for playback failed", zap.Error(err), zap.String("recording_id", id.String()))
			return
		}
		m.q.Async(func() {
			if gen != m.playGen {
				return
			}
			if err := m.startPlayback(id, path); err != nil {
				m.logger.Warn("playback after download failed", zap.Error(err), zap.String("recording_id", id.String()))
			}
		})
	})
	return nil
}

func (m *Manager) startPlayback(id uuid.UUID, path string) error {
	m.playGen++
	gen := m.playGen
	pb, err := m.player.Play(path, func() {
		m.q.Async(func() { m.playbackFinished(gen) })
	})
	if err != nil {
		m.logger.Error("start playback failed", zap.Error(err), zap.String("recording_id", id.String()))
		return fmt.Errorf("start playback: %w", err)
	}
	m.playback = pb
	m.isPlaying = true
	current := id
	m.currentID = &current
	m.playbackTime = 0
	m.startPlaybackTimer(gen)
	m.publish()
	return nil
}

func (m *Manager) startPlaybackTimer(gen int) {
	m.cancelPlaybackTimer()
	m.stopPlayTimer = m.clock.Every(PlaybackTick, func() {
		_ = m.q.Sync(context.Background(), func() { m.playbackTick(gen) })
	})
}

func (m *Manager) cancelPlaybackTimer() {
	if m.stopPlayTimer != nil {
		m.stopPlayTimer()
		m.stopPlayTimer = nil
	}
}

func (m *Manager) playbackTick(gen int) {
	if gen != m.playGen || !m.isPlaying || m.playback == nil {
		return
	}
	m.playbackTime = m.playback.CurrentTime()
	m.publish()
}

func (m *Manager) playbackFinished(gen int) {
	if gen != m.playGen {
		return
	}
	m.stopPlayback()
}

// PausePlayback pauses the current playback, if any.
func (m *Manager) PausePlayback(ctx context.Context) error {
	return m.q.Sync(ctx, func() {
		if m.isPlaying {
			m.pause()
		}
	})
}

// StopPlayback stops the current playback, if any.
func (m *Manager) StopPlayback(ctx context.Context) error {
	return m.q.Sync(ctx, m.stopPlayback)
}

func (m *Manager) pause() {
	if err := m.playback.Pause(); err != nil {
		m.logger.Warn("pause failed", zap.Error(err))
	}
	m.isPlaying = false
	m.cancelPlaybackTimer()
	m.publish()
}

func (m *Manager) resume() error {
	if err := m.playback.Resume(); err != nil {
		return fmt.Errorf("resume playback: %w", err)
	}
	m.isPlaying = true
	m.startPlaybackTimer(m.playGen)
	m.publish()
	return nil
}

func (m *Manager) stopPlayback() {
	if m.playback != nil {
		if err := m.playback.Stop(); err != nil {
			m.logger.Debug("stop playback", zap.Error(err))
		}
		m.playback = nil
	}
	m.playGen++
	m.cancelPlaybackTimer()
	changed := m.isPlaying || m.currentID != nil || m.playbackTime != 0
	m.isPlaying = false
	m.currentID = nil
	m.playbackTime = 0
	if changed {
		m.publish()
	}
}

// Delete removes a recording locally and, when signed in, remotely.
func (m *Manager) Delete(ctx context.Context, id uuid.UUID) error {
	var (
		rec models.Recording
		err error
	)
	if syncErr := m.q.Sync(ctx, func() {
		var ok bool
		rec, ok = m.find(id)
		if !ok {
			err = ErrRecordingNotFound
			return
		}
		if m.currentID != nil && *m.currentID == id {
			m.stopPlayback()
		}
		if err := os.Remove(m.FilePath(rec.FileName)); err != nil && !errors.Is(err, os.ErrNotExist) {
			m.logger.Warn("remove recording file failed", zap.Error(err), zap.String("file", rec.FileName))
		}
		m.recordings = removeByID(m.recordings, id)
		m.persist()
		m.publish()
	}); syncErr != nil {
		return syncErr
	}
	if err != nil {
		return err
	}

	if m.remote != nil && m.auth != nil && m.auth.Authenticated() {
		m.goBackground(func() {
			if err := m.remote.DeleteRemote(context.Background(), rec); err != nil {
				m.logger.Warn("remote delete failed", zap.Error(err), zap.String("recording_id", rec.ID.String()))
			}
		})
	}
	return nil
}

// Has reports whether id is in the catalog.
func (m *Manager) Has(ctx context.Context, id uuid.UUID) (bool, error) {
	var ok bool
	err := m.q.Sync(ctx, func() { _, ok = m.find(id) })
	return ok, err
}

// AppendRecordings adds recordings whose ids are not yet in the catalog and
// returns how many were added.
func (m *Manager) AppendRecordings(ctx context.Context, recs []models.Recording) (int, error) {
	added := 0
	err := m.q.Sync(ctx, func() {
		for _, r := range recs {
			if _, ok := m.find(r.ID); ok {
				continue
			}
			m.recordings = append(m.recordings, r)
			added++
		}
		if added > 0 {
			m.persist()
			m.publish()
		}
	})
	return added, err
}

// Wait blocks until background uploads, deletes and downloads have finished.
func (m *Manager) Wait() {
	m.bg.Wait()
}

// Close stops timers, waits for background work and flushes the catalog.
func (m *Manager) Close() {
	m.bg.Wait()
	err := m.q.Sync(context.Background(), func() {
		m.cancelRecordingTimer()
		m.cancelPlaybackTimer()
		m.closed = true
		m.closeSaves()
	})
	if err != nil {
		m.closeSaves()
	}
	<-m.saverDone
}

func (m *Manager) closeSaves() {
	m.closeOnce.Do(func() { close(m.saves) })
}

func (m *Manager) goBackground(fn func()) {
	m.bg.Add(1)
	go func() {
		defer m.bg.Done()
		fn()
	}()
}

func (m *Manager) find(id uuid.UUID) (models.Recording, bool) {
	for _, r := range m.recordings {
		if r.ID == id {
			return r, true
		}
	}
	return models.Recording{}, false
}

func (m *Manager) publish() {
	m.state.Set(m.snapshot())
}

func (m *Manager) snapshot() State {
	recs := make([]models.Recording, len(m.recordings))
	copy(recs, m.recordings)
	s := State{
		Recordings:    recs,
		IsRecording:   m.phase == phaseRecording || m.phase == phaseStopping,
		IsPlaying:     m.isPlaying,
		RecordingTime: m.recordingTime.Seconds(),
		PlaybackTime:  m.playbackTime.Seconds(),
		AudioLevel:    m.audioLevel,
	}
	if m.currentID != nil {
		id := *m.currentID
		s.CurrentPlayingID = &id
	}
	return s
}

// persist hands the encoded catalog to the saver, replacing any write that
// has not started yet.
func (m *Manager) persist() {
	if m.closed {
		return
	}
	data, err := json.Marshal(m.recordings)
	if err != nil {
		m.logger.Error("encode catalog failed", zap.Error(err))
		return
	}
	select {
	case <-m.saves:
	default:
	}
	m.saves <- data
}

func (m *Manager) saver() {
	defer close(m.saverDone)
	for data := range m.saves {
		if err := m.store.Set(context.Background(), CatalogKey, data); err != nil {
			m.logger.Error("save catalog failed", zap.Error(err))
		}
	}
}

func (m *Manager) loadCatalog(ctx context.Context) []models.Recording {
	data, err := m.store.Get(ctx, CatalogKey)
	if err != nil {
		if !errors.Is(err, kv.ErrNotFound) {
			m.logger.Error("load catalog failed", zap.Error(err))
		}
		return nil
	}
	var recs []models.Recording
	if err := json.Unmarshal(data, &recs); err != nil {
		m.logger.Error("decode catalog failed", zap.Error(err))
		return nil
	}
	return recs
}

func removeByID(recs []models.Recording, id uuid.UUID) []models.Recording {
	out := recs[:0]
	for _, r := range recs {
		if r.ID != id {
			out = append(out, r)
		}
	}
	return out
}

// NormalizeLevel maps average power in dBFS to [0,1] over a 60 dB range.
func NormalizeLevel(db float64) float64 {
	v := (db - floorDB) / -floorDB
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
