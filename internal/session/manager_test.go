package session

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/echoes-app/echoes/internal/audio"
	"github.com/echoes-app/echoes/internal/clock"
	"github.com/echoes-app/echoes/internal/dispatch"
	"github.com/echoes-app/echoes/internal/models"
	"github.com/echoes-app/echoes/pkg/kv"
)

type fakeRecorder struct {
	granted bool
	power   float64
	started []string
	onStop  func()
}

func (r *fakeRecorder) RequestPermission(context.Context) bool { return r.granted }

func (r *fakeRecorder) Start(path string) (audio.Capture, error) {
	if err := os.WriteFile(path, []byte("audio"), 0o644); err != nil {
		return nil, err
	}
	r.started = append(r.started, path)
	return &fakeCapture{power: r.power, onStop: r.onStop}, nil
}

type fakeCapture struct {
	power   float64
	stopped bool
	onStop  func()
}

func (c *fakeCapture) AveragePower() float64 { return c.power }

func (c *fakeCapture) Stop() error {
	if c.onStop != nil {
		c.onStop()
	}
	c.stopped = true
	return nil
}

type fakePlayer struct {
	mu    sync.Mutex
	plays []*fakePlayback
}

func (p *fakePlayer) Play(path string, onFinish func()) (audio.Playback, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pb := &fakePlayback{path: path, onFinish: onFinish}
	p.plays = append(p.plays, pb)
	return pb, nil
}

func (p *fakePlayer) last() *fakePlayback {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.plays) == 0 {
		return nil
	}
	return p.plays[len(p.plays)-1]
}

type fakePlayback struct {
	path            string
	onFinish        func()
	paused, stopped bool
	fileAtStop      bool
	elapsed         time.Duration
}

func (p *fakePlayback) Pause() error  { p.paused = true; return nil }
func (p *fakePlayback) Resume() error { p.paused = false; return nil }
func (p *fakePlayback) Stop() error {
	p.stopped = true
	_, err := os.Stat(p.path)
	p.fileAtStop = err == nil
	return nil
}
func (p *fakePlayback) CurrentTime() time.Duration { return p.elapsed }

type fakeRemote struct {
	mu        sync.Mutex
	url       string
	uploadErr error
	uploaded  []uuid.UUID
	deleted   []uuid.UUID
}

func (r *fakeRemote) Upload(_ context.Context, rec models.Recording, _ string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.uploaded = append(r.uploaded, rec.ID)
	return r.url, r.uploadErr
}

func (r *fakeRemote) DeleteRemote(_ context.Context, rec models.Recording) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleted = append(r.deleted, rec.ID)
	return nil
}

func (r *fakeRemote) Download(_ context.Context, _ string, dest string) error {
	return os.WriteFile(dest, []byte("remote audio"), 0o644)
}

type signedIn bool

func (s signedIn) Authenticated() bool { return bool(s) }

type harness struct {
	m        *Manager
	q        *dispatch.Queue
	clk      *clock.Manual
	recorder *fakeRecorder
	player   *fakePlayer
	remote   *fakeRemote
	store    *kv.Memory
	dir      string
}

func newHarness(t *testing.T, auth bool) *harness {
	t.Helper()
	h := &harness{
		q:        dispatch.NewQueue(),
		clk:      clock.NewManual(time.Unix(1761820000, 0)),
		recorder: &fakeRecorder{granted: true, power: -30},
		player:   &fakePlayer{},
		remote:   &fakeRemote{url: "https://bucket.example/rec?sig=1"},
		store:    kv.NewMemory(),
		dir:      t.TempDir(),
	}
	t.Cleanup(h.q.Close)
	h.m = h.newManager(t, auth)
	return h
}

func (h *harness) newManager(t *testing.T, auth bool) *Manager {
	t.Helper()
	m, err := NewManager(context.Background(), h.q, Config{
		Dir:      h.dir,
		Recorder: h.recorder,
		Player:   h.player,
		Store:    h.store,
		Remote:   h.remote,
		Auth:     signedIn(auth),
		Clock:    h.clk,
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m
}

// barrier waits for every closure queued so far to run.
func (h *harness) barrier(t *testing.T) {
	t.Helper()
	if err := h.q.Sync(context.Background(), func() {}); err != nil {
		t.Fatalf("barrier: %v", err)
	}
}

func (h *harness) record(t *testing.T, d time.Duration) models.Recording {
	t.Helper()
	ctx := context.Background()
	if err := h.m.StartRecording(ctx); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	h.clk.Advance(d)
	rec, err := h.m.StopRecording(ctx)
	if err != nil {
		t.Fatalf("StopRecording: %v", err)
	}
	return rec
}

func TestRecordTwoAndAHalfSeconds(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	if err := h.m.StartRecording(ctx); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	if !h.m.State().IsRecording {
		t.Fatal("IsRecording = false after start")
	}
	h.clk.Advance(2500 * time.Millisecond)

	st := h.m.State()
	if st.RecordingTime != 2.5 {
		t.Errorf("RecordingTime = %v, want 2.5", st.RecordingTime)
	}
	if st.AudioLevel != 0.5 {
		t.Errorf("AudioLevel = %v, want 0.5 for -30 dB", st.AudioLevel)
	}

	rec, err := h.m.StopRecording(ctx)
	if err != nil {
		t.Fatalf("StopRecording: %v", err)
	}
	if math.Abs(rec.Duration-2.5) > RecordingTick.Seconds() {
		t.Errorf("Duration = %v, want 2.5 ± one tick", rec.Duration)
	}

	st = h.m.State()
	if st.IsRecording || st.RecordingTime != 0 || st.AudioLevel != 0 {
		t.Errorf("state after stop = %+v", st)
	}
	if len(st.Recordings) != 1 || st.Recordings[0].ID != rec.ID {
		t.Fatalf("catalog = %+v", st.Recordings)
	}
	if h.clk.Active() != 0 {
		t.Errorf("%d timers still running after stop", h.clk.Active())
	}

	// Ticks after stop do not move the clock.
	h.clk.Advance(time.Second)
	if h.m.State().RecordingTime != 0 {
		t.Error("recording time advanced after stop")
	}

	h.m.Close()
	data, err := h.store.Get(ctx, CatalogKey)
	if err != nil {
		t.Fatalf("catalog not persisted: %v", err)
	}
	var saved []models.Recording
	if err := json.Unmarshal(data, &saved); err != nil {
		t.Fatalf("decode catalog: %v", err)
	}
	if len(saved) != 1 || saved[0].ID != rec.ID {
		t.Errorf("saved = %+v", saved)
	}
}

func TestNewestRecordingFirst(t *testing.T) {
	h := newHarness(t, false)
	first := h.record(t, time.Second)
	h.clk.Advance(time.Second)
	second := h.record(t, time.Second)

	recs := h.m.State().Recordings
	if len(recs) != 2 || recs[0].ID != second.ID || recs[1].ID != first.ID {
		t.Fatalf("order = %+v", recs)
	}
}

func TestPermissionDenied(t *testing.T) {
	h := newHarness(t, false)
	h.recorder.granted = false

	err := h.m.StartRecording(context.Background())
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("err = %v, want ErrPermissionDenied", err)
	}
	if h.m.State().IsRecording {
		t.Error("IsRecording = true after denial")
	}
	if len(h.recorder.started) != 0 {
		t.Error("capture started without permission")
	}

	// Denial returns to idle, so a later grant works.
	h.recorder.granted = true
	if err := h.m.StartRecording(context.Background()); err != nil {
		t.Fatalf("StartRecording after grant: %v", err)
	}
}

func TestStartAndStopGuards(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	if _, err := h.m.StopRecording(ctx); !errors.Is(err, ErrNotRecording) {
		t.Errorf("stop while idle err = %v", err)
	}
	if err := h.m.StartRecording(ctx); err != nil {
		t.Fatal(err)
	}
	if err := h.m.StartRecording(ctx); !errors.Is(err, ErrAlreadyRecording) {
		t.Errorf("second start err = %v", err)
	}
}

func TestRecordingPublishedAfterCaptureStops(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	var (
		listed              = -1
		startErr, secondErr error
	)
	h.recorder.onStop = func() {
		listed = len(h.m.State().Recordings)
		startErr = h.m.StartRecording(ctx)
		_, secondErr = h.m.StopRecording(ctx)
	}
	rec := h.record(t, time.Second)

	if listed != 0 {
		t.Errorf("%d recordings listed while capture was still stopping", listed)
	}
	if !errors.Is(startErr, ErrAlreadyRecording) || !errors.Is(secondErr, ErrNotRecording) {
		t.Errorf("while stopping: start err = %v, stop err = %v", startErr, secondErr)
	}
	st := h.m.State()
	if len(st.Recordings) != 1 || st.Recordings[0].ID != rec.ID || st.IsRecording {
		t.Errorf("state = %+v", st)
	}
}

func TestPlayToggleAndResume(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	rec := h.record(t, time.Second)

	if err := h.m.Play(ctx, rec.ID); err != nil {
		t.Fatalf("Play: %v", err)
	}
	st := h.m.State()
	if !st.IsPlaying || st.CurrentPlayingID == nil || *st.CurrentPlayingID != rec.ID {
		t.Fatalf("state after play = %+v", st)
	}

	pb := h.player.last()
	pb.elapsed = 300 * time.Millisecond
	h.clk.Advance(300 * time.Millisecond)
	if got := h.m.State().PlaybackTime; got != 0.3 {
		t.Errorf("PlaybackTime = %v, want 0.3", got)
	}

	if err := h.m.Play(ctx, rec.ID); err != nil {
		t.Fatalf("toggle: %v", err)
	}
	if st := h.m.State(); st.IsPlaying || !pb.paused {
		t.Fatalf("toggle did not pause: %+v", st)
	}
	if h.clk.Active() != 0 {
		t.Error("playback timer running while paused")
	}

	if err := h.m.Play(ctx, rec.ID); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if st := h.m.State(); !st.IsPlaying || pb.paused {
		t.Fatalf("did not resume: %+v", st)
	}
	if len(h.player.plays) != 1 {
		t.Errorf("resume restarted playback: %d plays", len(h.player.plays))
	}
}

func TestPlayOtherStopsCurrent(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	a := h.record(t, time.Second)
	h.clk.Advance(time.Second)
	b := h.record(t, time.Second)

	if err := h.m.Play(ctx, a.ID); err != nil {
		t.Fatal(err)
	}
	first := h.player.last()
	if err := h.m.Play(ctx, b.ID); err != nil {
		t.Fatal(err)
	}
	if !first.stopped {
		t.Error("previous playback not stopped")
	}
	if id := h.m.State().CurrentPlayingID; id == nil || *id != b.ID {
		t.Errorf("current = %v, want %v", id, b.ID)
	}
}

func TestPlaybackFinishes(t *testing.T) {
	h := newHarness(t, false)
	rec := h.record(t, time.Second)
	if err := h.m.Play(context.Background(), rec.ID); err != nil {
		t.Fatal(err)
	}

	h.player.last().onFinish()
	h.barrier(t)

	st := h.m.State()
	if st.IsPlaying || st.CurrentPlayingID != nil || st.PlaybackTime != 0 {
		t.Errorf("state after finish = %+v", st)
	}
	if h.clk.Active() != 0 {
		t.Error("playback timer survived natural end")
	}
}

func TestPlayUnknownAndUnavailable(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	if err := h.m.Play(ctx, uuid.New()); !errors.Is(err, ErrRecordingNotFound) {
		t.Errorf("unknown id err = %v", err)
	}

	orphan := models.NewRecording("missing.m4a", time.Second, h.clk.Now())
	if _, err := h.m.AppendRecordings(ctx, []models.Recording{orphan}); err != nil {
		t.Fatal(err)
	}
	if err := h.m.Play(ctx, orphan.ID); !errors.Is(err, ErrAudioUnavailable) {
		t.Errorf("no file, no url err = %v", err)
	}
}

func TestPlayDownloadsRemoteOnly(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	remote := models.NewRecording("from_cloud.m4a", 3*time.Second, h.clk.Now()).
		WithDownloadURL("https://bucket.example/from_cloud")
	if _, err := h.m.AppendRecordings(ctx, []models.Recording{remote}); err != nil {
		t.Fatal(err)
	}
	if err := h.m.Play(ctx, remote.ID); err != nil {
		t.Fatalf("Play: %v", err)
	}
	h.m.Wait()
	h.barrier(t)

	if _, err := os.Stat(filepath.Join(h.dir, "from_cloud.m4a")); err != nil {
		t.Errorf("file not downloaded: %v", err)
	}
	st := h.m.State()
	if !st.IsPlaying || st.CurrentPlayingID == nil || *st.CurrentPlayingID != remote.ID {
		t.Errorf("state after download = %+v", st)
	}
}

func TestDeleteWhilePlaying(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	rec := h.record(t, time.Second)
	h.m.Wait()

	if err := h.m.Play(ctx, rec.ID); err != nil {
		t.Fatal(err)
	}
	pb := h.player.last()

	if err := h.m.Delete(ctx, rec.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	h.m.Wait()

	if !pb.stopped || !pb.fileAtStop {
		t.Errorf("playback stopped=%v fileAtStop=%v, want stop before removal", pb.stopped, pb.fileAtStop)
	}
	if _, err := os.Stat(filepath.Join(h.dir, rec.FileName)); !os.IsNotExist(err) {
		t.Errorf("file still present: %v", err)
	}
	st := h.m.State()
	if st.IsPlaying || st.CurrentPlayingID != nil || len(st.Recordings) != 0 {
		t.Errorf("state after delete = %+v", st)
	}
	if len(h.remote.deleted) != 1 || h.remote.deleted[0] != rec.ID {
		t.Errorf("remote deletes = %v", h.remote.deleted)
	}

	if err := h.m.Delete(ctx, rec.ID); !errors.Is(err, ErrRecordingNotFound) {
		t.Errorf("second delete err = %v", err)
	}
}

func TestUploadSetsDownloadURL(t *testing.T) {
	h := newHarness(t, true)
	rec := h.record(t, time.Second)
	h.m.Wait()
	h.barrier(t)

	recs := h.m.State().Recordings
	if len(recs) != 1 || recs[0].DownloadURL != h.remote.url {
		t.Fatalf("catalog = %+v", recs)
	}
	if len(h.remote.uploaded) != 1 || h.remote.uploaded[0] != rec.ID {
		t.Errorf("uploaded = %v", h.remote.uploaded)
	}
}

func TestFailedUploadLeavesURLUnset(t *testing.T) {
	h := newHarness(t, true)
	h.remote.uploadErr = errors.New("transfer failed")
	h.record(t, time.Second)
	h.m.Wait()
	h.barrier(t)

	recs := h.m.State().Recordings
	if len(recs) != 1 || recs[0].DownloadURL != "" {
		t.Fatalf("catalog = %+v", recs)
	}
}

func TestSignedOutSkipsUpload(t *testing.T) {
	h := newHarness(t, false)
	h.record(t, time.Second)
	h.m.Wait()
	if len(h.remote.uploaded) != 0 {
		t.Errorf("uploaded while signed out: %v", h.remote.uploaded)
	}
}

func TestCatalogReloads(t *testing.T) {
	h := newHarness(t, false)
	rec := h.record(t, 2*time.Second)
	h.m.Close()

	reloaded := h.newManager(t, false)
	recs := reloaded.State().Recordings
	if len(recs) != 1 || recs[0].ID != rec.ID || recs[0].FileName != rec.FileName {
		t.Fatalf("reloaded = %+v", recs)
	}
	ok, err := reloaded.Has(context.Background(), rec.ID)
	if err != nil || !ok {
		t.Errorf("Has = %v, %v", ok, err)
	}
}

func TestCorruptCatalogStartsEmpty(t *testing.T) {
	h := newHarness(t, false)
	if err := h.store.Set(context.Background(), CatalogKey, []byte("{not json")); err != nil {
		t.Fatal(err)
	}
	m := h.newManager(t, false)
	if n := len(m.State().Recordings); n != 0 {
		t.Errorf("recordings = %d, want 0", n)
	}
}

func TestAppendRecordingsSkipsDuplicates(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	a := models.NewRecording("a.m4a", time.Second, h.clk.Now())
	b := models.NewRecording("b.m4a", time.Second, h.clk.Now())

	n, err := h.m.AppendRecordings(ctx, []models.Recording{a, b})
	if err != nil || n != 2 {
		t.Fatalf("first append = %d, %v", n, err)
	}
	n, err = h.m.AppendRecordings(ctx, []models.Recording{b, a})
	if err != nil || n != 0 {
		t.Fatalf("second append = %d, %v", n, err)
	}
	if got := len(h.m.State().Recordings); got != 2 {
		t.Errorf("recordings = %d", got)
	}
}

func TestSubscribeSeesEveryTick(t *testing.T) {
	h := newHarness(t, false)
	var mu sync.Mutex
	var times []float64
	cancel := h.m.Subscribe(func(s State) {
		mu.Lock()
		times = append(times, s.RecordingTime)
		mu.Unlock()
	})
	defer cancel()

	if err := h.m.StartRecording(context.Background()); err != nil {
		t.Fatal(err)
	}
	h.clk.Advance(200 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	want := []float64{0, 0.05, 0.1, 0.15, 0.2}
	if len(times) != len(want) {
		t.Fatalf("times = %v", times)
	}
	for i := range want {
		if math.Abs(times[i]-want[i]) > 1e-9 {
			t.Errorf("times[%d] = %v, want %v", i, times[i], want[i])
		}
	}
}

func TestNormalizeLevel(t *testing.T) {
	cases := map[float64]float64{
		-160: 0,
		-60:  0,
		-30:  0.5,
		0:    1,
		6:    1,
	}
	for db, want := range cases {
		if got := NormalizeLevel(db); got != want {
			t.Errorf("NormalizeLevel(%v) = %v, want %v", db, got, want)
		}
	}
}
