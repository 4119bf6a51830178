// Package cloud mirrors recordings to object storage and the realtime
// document store, keeps the signed-in user's remote collection and profile
// observable, and reconciles remote state back into the local catalog.
package cloud

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/echoes-app/echoes/internal/clock"
	"github.com/echoes-app/echoes/internal/dispatch"
	"github.com/echoes-app/echoes/internal/models"
	"github.com/echoes-app/echoes/internal/observe"
	"github.com/echoes-app/echoes/pkg/docstore"
	"github.com/echoes-app/echoes/pkg/storage"
)

var (
	ErrNoAuthenticatedUser = errors.New("no authenticated user")
	ErrInvalidTransition   = errors.New("invalid recording status transition")
)

// NoProfileMessage is published when the profile document does not exist.
const NoProfileMessage = "No profile data found"

// ObjectStore is the audio bucket. *storage.S3 satisfies it.
type ObjectStore interface {
	Upload(ctx context.Context, key, contentType string, body io.Reader, metadata map[string]string) error
	DownloadURL(ctx context.Context, key string) (string, error)
	List(ctx context.Context, prefix string) ([]storage.ObjectInfo, error)
	Head(ctx context.Context, key string) (map[string]string, error)
	Delete(ctx context.Context, key string) error
}

// DocStore is the realtime document tree. *docstore.Store satisfies it.
type DocStore interface {
	Set(ctx context.Context, path string, v any) error
	Update(ctx context.Context, path string, fields map[string]any) error
	Remove(ctx context.Context, path string) error
	Get(ctx context.Context, path string) (docstore.Snapshot, error)
	Observe(path string, onChange func(docstore.Snapshot), onError func(error)) (cancel func(), err error)
}

// UserSource reports the signed-in user.
type UserSource interface {
	CurrentUserID() (string, bool)
}

// Catalog is the local recording catalog that Sync appends to.
type Catalog interface {
	Has(ctx context.Context, id uuid.UUID) (bool, error)
	AppendRecordings(ctx context.Context, recs []models.Recording) (int, error)
}

// Collection is the observable remote recordings list.
type Collection struct {
	Records []models.RecordingRecord `json:"records"`
	Loading bool                     `json:"loading"`
	Error   string                   `json:"error,omitempty"`
}

// ProfileState is the observable profile of the signed-in user.
type ProfileState struct {
	Profile *models.UserProfile `json:"profile,omitempty"`
	Loading bool                `json:"loading"`
	Error   string              `json:"error,omitempty"`
}

// RepairResult counts records settled by Repair.
type RepairResult struct {
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Backfilled int `json:"backfilled"`
}

// Config wires a Manager.
type Config struct {
	Objects    ObjectStore
	Docs       DocStore
	Users      UserSource // may be set later with SetUserSource
	HTTPClient *http.Client
	Clock      clock.Clock
	Logger     *zap.Logger
}

// Manager is the cloud sync manager.
type Manager struct {
	q       *dispatch.Queue
	objects ObjectStore
	docs    DocStore
	users   UserSource
	http    *http.Client
	clock   clock.Clock
	logger  *zap.Logger

	records *observe.Value[Collection]
	profile *observe.Value[ProfileState]
	bg      sync.WaitGroup

	// Fields below are only touched on q.
	gen         int
	uid         string
	stopRecords func()
	stopProfile func()
}

// NewManager creates a cloud manager that publishes on q.
func NewManager(q *dispatch.Queue, cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 5 * time.Minute}
	}
	return &Manager{
		q:       q,
		objects: cfg.Objects,
		docs:    cfg.Docs,
		users:   cfg.Users,
		http:    cfg.HTTPClient,
		clock:   cfg.Clock,
		logger:  cfg.Logger,
		records: observe.NewValue(Collection{}),
		profile: observe.NewValue(ProfileState{}),
	}
}

// SetUserSource sets the signed-in user provider. Call before serving.
func (m *Manager) SetUserSource(users UserSource) {
	m.users = users
}

func recordingsPath(uid string) string {
	return storage.FolderUsers + "/" + uid + "/recordings"
}

func recordPath(uid, id string) string {
	return recordingsPath(uid) + "/" + id
}

func profilePath(uid string) string {
	return storage.FolderUsers + "/" + uid + "/profile"
}

func (m *Manager) currentUser() (string, error) {
	if m.users == nil {
		return "", ErrNoAuthenticatedUser
	}
	uid, ok := m.users.CurrentUserID()
	if !ok || uid == "" {
		return "", ErrNoAuthenticatedUser
	}
	return uid, nil
}

// Upload mirrors a local recording: the metadata record is created as
// incomplete, moved to uploading, the audio is transferred, and the record
// ends complete with a download URL or failed. If the URL cannot be resolved
// the record stays uploading. Status writes are best-effort.
func (m *Manager) Upload(ctx context.Context, rec models.Recording, localPath string) (string, error) {
	uid, err := m.currentUser()
	if err != nil {
		return "", err
	}
	id := rec.ID.String()
	key := storage.RecordingKey(uid, id)
	path := recordPath(uid, id)
	log := m.logger.With(zap.String("recording_id", id), zap.String("user_id", uid))

	record := models.NewRecordingRecord(rec, key)
	if err := m.docs.Set(ctx, path, record); err != nil {
		log.Warn("create remote record failed", zap.Error(err))
	}
	t := &transitions{m: m, ctx: ctx, path: path, status: record.Status, log: log}

	if err := t.advance(models.RecordingStatusUploading, nil); err != nil {
		return "", err
	}

	f, err := os.Open(localPath)
	if err != nil {
		_ = t.advance(models.RecordingStatusFailed, nil)
		return "", fmt.Errorf("open recording: %w", err)
	}
	defer f.Close()

	meta := storage.RecordingMetadata(rec.FileName, rec.Duration, rec.Date)
	if err := m.objects.Upload(ctx, key, storage.ContentTypeAudio, f, meta); err != nil {
		log.Error("recording transfer failed", zap.Error(err))
		_ = t.advance(models.RecordingStatusFailed, nil)
		return "", fmt.Errorf("upload recording: %w", err)
	}

	url, err := m.objects.DownloadURL(ctx, key)
	if err != nil {
		// The object is stored; Repair completes the record later.
		log.Warn("resolve download url failed", zap.Error(err))
		return "", fmt.Errorf("resolve download url: %w", err)
	}
	if err := t.advance(models.RecordingStatusComplete, map[string]any{"downloadURL": url}); err != nil {
		return "", err
	}
	log.Info("recording uploaded", zap.String("key", key))
	return url, nil
}

// transitions walks one record through the status machine. Writes are
// best-effort; the last failed one is kept in writeErr.
type transitions struct {
	m        *Manager
	ctx      context.Context
	path     string
	status   models.RecordingStatus
	log      *zap.Logger
	writeErr error
}

func (t *transitions) advance(next models.RecordingStatus, extra map[string]any) error {
	if !t.status.CanTransition(next) {
		t.log.Error("refusing status transition",
			zap.String("from", string(t.status)), zap.String("to", string(next)))
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.status, next)
	}
	fields := map[string]any{"status": next}
	for k, v := range extra {
		fields[k] = v
	}
	if err := t.m.docs.Update(t.ctx, t.path, fields); err != nil {
		t.log.Warn("update remote status failed", zap.String("status", string(next)), zap.Error(err))
		t.writeErr = err
	}
	t.status = next
	return nil
}

// Records returns the current remote collection.
func (m *Manager) Records() Collection { return m.records.Get() }

// SubscribeRecords registers fn for collection changes. fn runs on the
// dispatch queue.
func (m *Manager) SubscribeRecords(fn func(Collection)) (cancel func()) {
	return m.records.Subscribe(fn)
}

// Profile returns the current profile state.
func (m *Manager) Profile() ProfileState { return m.profile.Get() }

// SubscribeProfile registers fn for profile changes. fn runs on the dispatch
// queue.
func (m *Manager) SubscribeProfile(fn func(ProfileState)) (cancel func()) {
	return m.profile.Subscribe(fn)
}

// Wait blocks until listener setup and sign-in syncs started so far have
// finished.
func (m *Manager) Wait() {
	m.bg.Wait()
}

func (m *Manager) goBackground(fn func()) {
	m.bg.Add(1)
	go func() {
		defer m.bg.Done()
		fn()
	}()
}

// StartListening replaces any current listeners with ones for uid's
// recordings and profile.
func (m *Manager) StartListening(uid string) {
	m.q.Async(func() { m.startListening(uid) })
}

// StopListening removes all listeners and clears published state.
func (m *Manager) StopListening() {
	m.q.Async(m.stopListening)
}

func (m *Manager) startListening(uid string) {
	m.stopListening()
	m.gen++
	gen := m.gen
	m.uid = uid

	m.records.Set(Collection{Loading: true})
	m.profile.Set(ProfileState{Loading: true})
	m.goBackground(func() { m.attachListeners(gen, uid) })
	m.logger.Info("cloud listeners starting", zap.String("user_id", uid))
}

// attachListeners subscribes off the queue, since Observe may do network
// I/O, and installs the cancel funcs only if gen is still current.
func (m *Manager) attachListeners(gen int, uid string) {
	current := func() bool { return gen == m.gen }

	cancel, err := m.docs.Observe(recordingsPath(uid),
		func(s docstore.Snapshot) {
			recs := m.decodeRecords(s)
			m.q.Async(func() {
				if current() {
					m.records.Set(Collection{Records: recs})
				}
			})
		},
		func(err error) {
			m.logger.Warn("recordings listener error", zap.String("user_id", uid), zap.Error(err))
			m.q.Async(func() {
				if current() {
					m.records.Set(Collection{Error: err.Error()})
				}
			})
		})
	m.install(gen, &m.stopRecords, cancel, err, func(err error) {
		m.logger.Error("start recordings listener failed", zap.String("user_id", uid), zap.Error(err))
		m.records.Set(Collection{Error: err.Error()})
	})

	cancel, err = m.docs.Observe(profilePath(uid),
		func(s docstore.Snapshot) {
			st := decodeProfile(s)
			m.q.Async(func() {
				if current() {
					m.profile.Set(st)
				}
			})
		},
		func(err error) {
			m.q.Async(func() {
				if current() {
					m.profile.Set(ProfileState{Error: err.Error()})
				}
			})
		})
	m.install(gen, &m.stopProfile, cancel, err, func(err error) {
		m.logger.Error("start profile listener failed", zap.String("user_id", uid), zap.Error(err))
		m.profile.Set(ProfileState{Error: err.Error()})
	})
}

// install keeps cancel in *slot if gen is still current and releases it
// otherwise. slot is only touched on q.
func (m *Manager) install(gen int, slot *func(), cancel func(), err error, onErr func(error)) {
	m.q.Async(func() {
		switch {
		case gen != m.gen:
			if cancel != nil {
				cancel()
			}
		case err != nil:
			onErr(err)
		default:
			*slot = cancel
		}
	})
}

func (m *Manager) stopListening() {
	m.gen++
	if m.stopRecords != nil {
		m.stopRecords()
		m.stopRecords = nil
	}
	if m.stopProfile != nil {
		m.stopProfile()
		m.stopProfile = nil
	}
	if m.uid != "" {
		m.logger.Info("cloud listeners stopped", zap.String("user_id", m.uid))
	}
	m.uid = ""
	m.records.Set(Collection{})
	m.profile.Set(ProfileState{})
}

// decodeRecords decodes every child, skipping ones that do not decode, and
// orders them newest first.
func (m *Manager) decodeRecords(s docstore.Snapshot) []models.RecordingRecord {
	keys := make([]string, 0, len(s.Children))
	for k := range s.Children {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	recs := make([]models.RecordingRecord, 0, len(keys))
	for _, k := range keys {
		var r models.RecordingRecord
		if err := json.Unmarshal(s.Children[k], &r); err != nil {
			m.logger.Warn("skipping undecodable recording record", zap.String("key", k), zap.Error(err))
			continue
		}
		recs = append(recs, r)
	}
	SortNewestFirst(recs)
	return recs
}

// SortNewestFirst orders records by createdAt descending. Records whose
// timestamp does not parse keep their relative order after all others.
func SortNewestFirst(recs []models.RecordingRecord) {
	sort.SliceStable(recs, func(i, j int) bool {
		ti, okI := recs[i].CreatedAtTime()
		tj, okJ := recs[j].CreatedAtTime()
		return okI && (!okJ || ti.After(tj))
	})
}

func decodeProfile(s docstore.Snapshot) ProfileState {
	if len(s.Value) == 0 {
		return ProfileState{Error: NoProfileMessage}
	}
	var p models.UserProfile
	if err := json.Unmarshal(s.Value, &p); err != nil {
		return ProfileState{Error: fmt.Sprintf("decode profile: %v", err)}
	}
	return ProfileState{Profile: &p}
}

// FetchAll loads the signed-in user's records once.
func (m *Manager) FetchAll(ctx context.Context) ([]models.RecordingRecord, error) {
	uid, err := m.currentUser()
	if err != nil {
		return nil, err
	}
	snap, err := m.docs.Get(ctx, recordingsPath(uid))
	if err != nil {
		return nil, fmt.Errorf("fetch recordings: %w", err)
	}
	return m.decodeRecords(snap), nil
}

// DeleteRecord removes the metadata record id of the signed-in user.
func (m *Manager) DeleteRecord(ctx context.Context, id string) error {
	uid, err := m.currentUser()
	if err != nil {
		return err
	}
	if err := m.docs.Remove(ctx, recordPath(uid, id)); err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	return nil
}

// DeleteRemote removes both the stored audio and the metadata record.
func (m *Manager) DeleteRemote(ctx context.Context, rec models.Recording) error {
	uid, err := m.currentUser()
	if err != nil {
		return err
	}
	id := rec.ID.String()
	var errs []error
	if err := m.objects.Delete(ctx, storage.RecordingKey(uid, id)); err != nil {
		errs = append(errs, fmt.Errorf("delete object: %w", err))
	}
	if err := m.docs.Remove(ctx, recordPath(uid, id)); err != nil {
		errs = append(errs, fmt.Errorf("delete record: %w", err))
	}
	return errors.Join(errs...)
}

// UpdateProfile replaces the signed-in user's profile document.
func (m *Manager) UpdateProfile(ctx context.Context, p models.UserProfile) error {
	uid, err := m.currentUser()
	if err != nil {
		return err
	}
	if err := m.docs.Set(ctx, profilePath(uid), p); err != nil {
		return fmt.Errorf("update profile: %w", err)
	}
	return nil
}

// RecordLogin stamps lastLogin on uid's profile.
func (m *Manager) RecordLogin(ctx context.Context, uid string, email string) error {
	fields := map[string]any{"lastLogin": m.clock.Now().UTC().Format(time.RFC3339)}
	if email != "" {
		fields["email"] = email
	}
	if err := m.docs.Update(ctx, profilePath(uid), fields); err != nil {
		return fmt.Errorf("record login: %w", err)
	}
	return nil
}

// Sync appends every stored recording of the signed-in user that the local
// catalog does not have yet. It returns the number added.
func (m *Manager) Sync(ctx context.Context, catalog Catalog) (int, error) {
	uid, err := m.currentUser()
	if err != nil {
		return 0, err
	}
	return m.syncUser(ctx, uid, catalog)
}

// HandleSignIn starts uid's listeners and, in the background, appends uid's
// stored recordings that catalog is missing.
func (m *Manager) HandleSignIn(uid string, catalog Catalog) {
	m.StartListening(uid)
	if catalog == nil {
		return
	}
	m.goBackground(func() {
		added, err := m.syncUser(context.Background(), uid, catalog)
		if err != nil {
			m.logger.Warn("sign-in sync failed", zap.String("user_id", uid), zap.Error(err))
			return
		}
		m.logger.Info("sign-in sync finished", zap.String("user_id", uid), zap.Int("added", added))
	})
}

func (m *Manager) syncUser(ctx context.Context, uid string, catalog Catalog) (int, error) {
	objects, err := m.objects.List(ctx, storage.UserPrefix(uid))
	if err != nil {
		return 0, fmt.Errorf("list recordings: %w", err)
	}

	var missing []models.Recording
	for _, o := range objects {
		_, idStr, ok := storage.ParseRecordingKey(o.Key)
		if !ok {
			continue
		}
		id, err := uuid.Parse(idStr)
		if err != nil {
			m.logger.Debug("skipping object with non-uuid name", zap.String("key", o.Key))
			continue
		}
		has, err := catalog.Has(ctx, id)
		if err != nil {
			return 0, err
		}
		if has {
			continue
		}

		meta, err := m.objects.Head(ctx, o.Key)
		if err != nil {
			m.logger.Warn("read object metadata failed", zap.String("key", o.Key), zap.Error(err))
			continue
		}
		name, dur, date := storage.ParseRecordingMetadata(meta)
		if name == "" {
			name = idStr + storage.RecordingExt
		}
		if date.IsZero() {
			date = o.LastModified
		}
		url, err := m.objects.DownloadURL(ctx, o.Key)
		if err != nil {
			m.logger.Warn("resolve download url failed", zap.String("key", o.Key), zap.Error(err))
			continue
		}
		missing = append(missing, models.Recording{
			ID:          id,
			FileName:    name,
			Date:        date,
			Duration:    dur,
			DownloadURL: url,
		})
	}
	if len(missing) == 0 {
		return 0, nil
	}
	added, err := catalog.AppendRecordings(ctx, missing)
	if err != nil {
		return 0, fmt.Errorf("append recordings: %w", err)
	}
	m.logger.Info("cloud sync finished", zap.String("user_id", uid), zap.Int("added", added))
	return added, nil
}

// Repair settles uid's records left in incomplete or uploading by an
// interrupted upload. A record whose object exists becomes complete with a
// fresh download URL; one whose object is missing and that is older than
// grace becomes failed. Incomplete records pass through uploading first.
// Complete records without a download URL get one if their object exists.
func (m *Manager) Repair(ctx context.Context, uid string, grace time.Duration) (RepairResult, error) {
	var res RepairResult
	snap, err := m.docs.Get(ctx, recordingsPath(uid))
	if err != nil {
		return res, fmt.Errorf("load recordings: %w", err)
	}
	now := m.clock.Now()
	for _, rec := range m.decodeRecords(snap) {
		missingURL := rec.Status == models.RecordingStatusComplete && rec.DownloadURL == ""
		if rec.ID == "" || (rec.Status.Terminal() && !missingURL) {
			continue
		}
		key := rec.StoragePath
		if key == "" {
			key = storage.RecordingKey(uid, rec.ID)
		}
		path := recordPath(uid, rec.ID)
		log := m.logger.With(zap.String("recording_id", rec.ID), zap.String("user_id", uid))

		_, err := m.objects.Head(ctx, key)
		switch {
		case err == nil:
			url, err := m.objects.DownloadURL(ctx, key)
			if err != nil {
				log.Warn("resolve download url failed", zap.Error(err))
				continue
			}
			if missingURL {
				if err := m.docs.Update(ctx, path, map[string]any{"downloadURL": url}); err != nil {
					log.Warn("repair update failed", zap.Error(err))
					continue
				}
				res.Backfilled++
				continue
			}
			if err := m.settle(ctx, path, rec.Status, models.RecordingStatusComplete, map[string]any{"downloadURL": url}, log); err != nil {
				continue
			}
			res.Completed++
		case errors.Is(err, storage.ErrObjectNotFound):
			if missingURL {
				continue
			}
			if created, ok := rec.CreatedAtTime(); ok && now.Sub(created) < grace {
				continue
			}
			if err := m.settle(ctx, path, rec.Status, models.RecordingStatusFailed, nil, log); err != nil {
				continue
			}
			res.Failed++
		default:
			log.Warn("check stored object failed", zap.Error(err))
		}
	}
	if res.Completed > 0 || res.Failed > 0 || res.Backfilled > 0 {
		m.logger.Info("repaired recording records", zap.String("user_id", uid),
			zap.Int("completed", res.Completed), zap.Int("failed", res.Failed), zap.Int("backfilled", res.Backfilled))
	}
	return res, nil
}

// settle moves a stuck record from its stored status to final, passing
// through uploading when it never got there.
func (m *Manager) settle(ctx context.Context, path string, from, final models.RecordingStatus, extra map[string]any, log *zap.Logger) error {
	t := &transitions{m: m, ctx: ctx, path: path, status: from, log: log}
	if from == models.RecordingStatusIncomplete {
		if err := t.advance(models.RecordingStatusUploading, nil); err != nil {
			return err
		}
		if t.writeErr != nil {
			return t.writeErr
		}
	}
	if err := t.advance(final, extra); err != nil {
		return err
	}
	return t.writeErr
}

// Download fetches downloadURL into dest.
func (m *Manager) Download(ctx context.Context, downloadURL, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return fmt.Errorf("build download request: %w", err)
	}
	resp, err := m.http.Do(req)
	if err != nil {
		return fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download: unexpected status %d", resp.StatusCode)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".download-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write download: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close download: %w", err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("move download: %w", err)
	}
	return nil
}
