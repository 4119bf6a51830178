package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/echoes-app/echoes/internal/dispatch"
	"github.com/echoes-app/echoes/internal/models"
	"github.com/echoes-app/echoes/internal/observe"
	"github.com/echoes-app/echoes/pkg/kv"
	"github.com/echoes-app/echoes/pkg/utils"
)

// SessionKey is the key-value entry holding the session token.
const SessionKey = "AuthSession"

var ErrInvalidCredentials = errors.New("invalid email or password")

// State is the observable authentication state.
type State struct {
	UserID          string `json:"userId,omitempty"`
	Email           string `json:"email,omitempty"`
	IsAuthenticated bool   `json:"isAuthenticated"`
	ErrorMessage    string `json:"errorMessage,omitempty"`
}

// Session is a signed-in user with their token.
type Session struct {
	Token string            `json:"token"`
	User  models.UserPublic `json:"user"`
}

// UserStore persists accounts. *Repository satisfies it.
type UserStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.User, error)
	GetByEmail(ctx context.Context, email string) (*models.User, error)
	Create(ctx context.Context, email, passwordHash string) (*models.User, error)
}

// LoginRecorder stamps the last login time on the user's profile.
type LoginRecorder interface {
	RecordLogin(ctx context.Context, uid, email string) error
}

// Manager owns the device's signed-in session.
type Manager struct {
	q      *dispatch.Queue
	users  UserStore
	jwt    *JWTService
	store  kv.Store
	logins LoginRecorder
	logger *zap.Logger
	state  *observe.Value[State]
}

// NewManager creates a signed-out manager. Call Restore to load a saved
// session.
func NewManager(q *dispatch.Queue, users UserStore, jwt *JWTService, store kv.Store, logins LoginRecorder, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		q:      q,
		users:  users,
		jwt:    jwt,
		store:  store,
		logins: logins,
		logger: logger,
		state:  observe.NewValue(State{}),
	}
}

// State returns the current authentication state.
func (m *Manager) State() State { return m.state.Get() }

// CurrentUserID returns the signed-in user id.
func (m *Manager) CurrentUserID() (string, bool) {
	s := m.state.Get()
	return s.UserID, s.IsAuthenticated
}

// Authenticated reports whether a user is signed in.
func (m *Manager) Authenticated() bool {
	return m.state.Get().IsAuthenticated
}

// OnChange registers fn for every state change. fn runs on the dispatch
// queue.
func (m *Manager) OnChange(fn func(State)) (cancel func()) {
	return m.state.Subscribe(fn)
}

// OnSessionChange calls onSignIn when a user becomes signed in (or the user
// changes) and onSignOut when the session ends. Error-only changes are
// ignored.
func (m *Manager) OnSessionChange(onSignIn func(uid string), onSignOut func()) (cancel func()) {
	current := ""
	return m.OnChange(func(s State) {
		switch {
		case s.IsAuthenticated && s.UserID != current:
			current = s.UserID
			onSignIn(s.UserID)
		case !s.IsAuthenticated && current != "":
			current = ""
			onSignOut()
		}
	})
}

// SignIn verifies credentials and starts a session.
func (m *Manager) SignIn(ctx context.Context, email, password string) (*Session, error) {
	email = normalizeEmail(email)
	user, err := m.users.GetByEmail(ctx, email)
	if err != nil {
		if !errors.Is(err, ErrUserNotFound) {
			m.logger.Error("lookup user failed", zap.Error(err))
			return nil, m.fail(ctx, fmt.Errorf("sign in: %w", err))
		}
		return nil, m.fail(ctx, ErrInvalidCredentials)
	}
	if !utils.CheckPassword(password, user.Password) {
		return nil, m.fail(ctx, ErrInvalidCredentials)
	}
	return m.begin(ctx, user)
}

// SignUp creates an account and starts a session.
func (m *Manager) SignUp(ctx context.Context, email, password string) (*Session, error) {
	email = normalizeEmail(email)
	hash, err := utils.HashPassword(password)
	if err != nil {
		return nil, m.fail(ctx, fmt.Errorf("hash password: %w", err))
	}
	user, err := m.users.Create(ctx, email, hash)
	if err != nil {
		if !errors.Is(err, ErrEmailTaken) {
			m.logger.Error("create user failed", zap.Error(err))
			err = fmt.Errorf("sign up: %w", err)
		}
		return nil, m.fail(ctx, err)
	}
	m.logger.Info("user registered", zap.String("user_id", user.ID.String()))
	return m.begin(ctx, user)
}

func (m *Manager) begin(ctx context.Context, user *models.User) (*Session, error) {
	token, err := m.jwt.Generate(user.ID, user.Email)
	if err != nil {
		return nil, m.fail(ctx, fmt.Errorf("generate token: %w", err))
	}
	if err := m.store.Set(ctx, SessionKey, []byte(token)); err != nil {
		m.logger.Warn("persist session failed", zap.Error(err))
	}
	uid := user.ID.String()
	if m.logins != nil {
		if err := m.logins.RecordLogin(ctx, uid, user.Email); err != nil {
			m.logger.Warn("record last login failed", zap.String("user_id", uid), zap.Error(err))
		}
	}
	if err := m.publish(ctx, State{UserID: uid, Email: user.Email, IsAuthenticated: true}); err != nil {
		return nil, err
	}
	m.logger.Info("signed in", zap.String("user_id", uid))
	return &Session{Token: token, User: user.ToPublic()}, nil
}

// SignOut ends the session and forgets the saved token.
func (m *Manager) SignOut(ctx context.Context) error {
	if err := m.store.Delete(ctx, SessionKey); err != nil {
		m.logger.Warn("clear saved session failed", zap.Error(err))
	}
	if err := m.publish(ctx, State{}); err != nil {
		return err
	}
	m.logger.Info("signed out")
	return nil
}

// Restore signs back in with the saved token, if it is still valid.
func (m *Manager) Restore(ctx context.Context) error {
	raw, err := m.store.Get(ctx, SessionKey)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("load session: %w", err)
	}
	claims, err := m.jwt.Validate(string(raw))
	if err != nil {
		m.logger.Info("saved session expired or invalid")
		if err := m.store.Delete(ctx, SessionKey); err != nil {
			m.logger.Warn("clear saved session failed", zap.Error(err))
		}
		return nil
	}
	if _, err := m.users.GetByID(ctx, claims.UserID); err != nil {
		if errors.Is(err, ErrUserNotFound) {
			m.logger.Info("saved session user no longer exists", zap.String("user_id", claims.UserID.String()))
			_ = m.store.Delete(ctx, SessionKey)
			return nil
		}
		return fmt.Errorf("restore session: %w", err)
	}
	if err := m.publish(ctx, State{UserID: claims.UserID.String(), Email: claims.Email, IsAuthenticated: true}); err != nil {
		return err
	}
	m.logger.Info("session restored", zap.String("user_id", claims.UserID.String()))
	return nil
}

// Token returns the saved session token, if any.
func (m *Manager) Token(ctx context.Context) (string, bool) {
	raw, err := m.store.Get(ctx, SessionKey)
	if err != nil {
		return "", false
	}
	return string(raw), true
}

// fail records err as the visible error message and returns it.
func (m *Manager) fail(ctx context.Context, err error) error {
	msg := err.Error()
	if syncErr := m.q.Sync(context.WithoutCancel(ctx), func() {
		m.state.Update(func(s *State) { s.ErrorMessage = msg })
	}); syncErr != nil {
		m.logger.Warn("publish auth error failed", zap.Error(syncErr))
	}
	return err
}

func (m *Manager) publish(ctx context.Context, s State) error {
	return m.q.Sync(context.WithoutCancel(ctx), func() { m.state.Set(s) })
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
