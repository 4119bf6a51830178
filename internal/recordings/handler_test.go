package recordings

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/echoes-app/echoes/internal/dispatch"
	"github.com/echoes-app/echoes/internal/models"
	"github.com/echoes-app/echoes/internal/session"
	"github.com/echoes-app/echoes/pkg/response"
)

type fakeSession struct {
	state    session.State
	startErr error
	played   []uuid.UUID
	deleted  []uuid.UUID
}

func (f *fakeSession) State() session.State { return f.state }

func (f *fakeSession) StartRecording(context.Context) error {
	if f.startErr != nil {
		return f.startErr
	}
	if f.state.IsRecording {
		return session.ErrAlreadyRecording
	}
	f.state.IsRecording = true
	return nil
}

func (f *fakeSession) StopRecording(context.Context) (models.Recording, error) {
	if !f.state.IsRecording {
		return models.Recording{}, session.ErrNotRecording
	}
	f.state.IsRecording = false
	rec := models.NewRecording("recording_1.m4a", 1500*time.Millisecond, time.Unix(1, 0))
	f.state.Recordings = append([]models.Recording{rec}, f.state.Recordings...)
	return rec, nil
}

func (f *fakeSession) Play(_ context.Context, id uuid.UUID) error {
	for _, r := range f.state.Recordings {
		if r.ID == id {
			f.played = append(f.played, id)
			return nil
		}
	}
	return session.ErrRecordingNotFound
}

func (f *fakeSession) PausePlayback(context.Context) error { return nil }
func (f *fakeSession) StopPlayback(context.Context) error  { return nil }

func (f *fakeSession) Delete(_ context.Context, id uuid.UUID) error {
	for i, r := range f.state.Recordings {
		if r.ID == id {
			f.state.Recordings = append(f.state.Recordings[:i], f.state.Recordings[i+1:]...)
			f.deleted = append(f.deleted, id)
			return nil
		}
	}
	return session.ErrRecordingNotFound
}

func router(s Session) *gin.Engine {
	gin.SetMode(gin.TestMode)
	h := NewHandler(s, nil)
	r := gin.New()
	r.GET("/recordings", h.State)
	r.POST("/recordings/start", h.Start)
	r.POST("/recordings/stop", h.Stop)
	r.POST("/recordings/:id/play", h.Play)
	r.DELETE("/recordings/:id", h.Delete)
	r.POST("/playback/pause", h.Pause)
	r.POST("/playback/stop", h.StopPlayback)
	return r
}

func do(r http.Handler, method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(method, path, nil))
	return w
}

func TestRecordFlow(t *testing.T) {
	s := &fakeSession{}
	r := router(s)

	if w := do(r, http.MethodPost, "/recordings/stop"); w.Code != http.StatusConflict {
		t.Errorf("stop while idle = %d", w.Code)
	}
	if w := do(r, http.MethodPost, "/recordings/start"); w.Code != http.StatusOK {
		t.Fatalf("start = %d %s", w.Code, w.Body.String())
	}
	if w := do(r, http.MethodPost, "/recordings/start"); w.Code != http.StatusConflict {
		t.Errorf("second start = %d", w.Code)
	}

	w := do(r, http.MethodPost, "/recordings/stop")
	if w.Code != http.StatusCreated {
		t.Fatalf("stop = %d %s", w.Code, w.Body.String())
	}
	var body struct {
		response.Body
		Data models.Recording `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Data.Duration != 1.5 || body.Data.FileName != "recording_1.m4a" {
		t.Errorf("recording = %+v", body.Data)
	}

	id := body.Data.ID.String()
	if w := do(r, http.MethodPost, "/recordings/"+id+"/play"); w.Code != http.StatusOK {
		t.Errorf("play = %d", w.Code)
	}
	if w := do(r, http.MethodDelete, "/recordings/"+id); w.Code != http.StatusNoContent {
		t.Errorf("delete = %d", w.Code)
	}
	if w := do(r, http.MethodDelete, "/recordings/"+id); w.Code != http.StatusNotFound {
		t.Errorf("second delete = %d", w.Code)
	}
}

func TestPermissionDeniedIsForbidden(t *testing.T) {
	r := router(&fakeSession{startErr: session.ErrPermissionDenied})
	if w := do(r, http.MethodPost, "/recordings/start"); w.Code != http.StatusForbidden {
		t.Errorf("start = %d", w.Code)
	}
}

func TestClosedQueueIsUnavailable(t *testing.T) {
	r := router(&fakeSession{startErr: fmt.Errorf("start recording: %w", dispatch.ErrClosed)})
	if w := do(r, http.MethodPost, "/recordings/start"); w.Code != http.StatusServiceUnavailable {
		t.Errorf("start = %d", w.Code)
	}
}

func TestBadIDs(t *testing.T) {
	r := router(&fakeSession{})
	if w := do(r, http.MethodPost, "/recordings/not-a-uuid/play"); w.Code != http.StatusBadRequest {
		t.Errorf("play = %d", w.Code)
	}
	if w := do(r, http.MethodPost, "/recordings/"+uuid.NewString()+"/play"); w.Code != http.StatusNotFound {
		t.Errorf("unknown play = %d", w.Code)
	}
}
