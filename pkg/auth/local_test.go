package auth

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/mcclellann/loansyncro/pkg/config"
	"github.com/mcclellann/loansyncro/pkg/models"
	"github.com/mcclellann/loansyncro/pkg/notify"
	"github.com/mcclellann/loansyncro/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

type memUsers struct {
	mu      sync.Mutex
	users   map[string]*models.User
	revoked map[string]time.Time
}

func newMemUsers() *memUsers {
	return &memUsers{users: map[string]*models.User{}, revoked: map[string]time.Time{}}
}

func (m *memUsers) CreateUser(_ context.Context, u *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.users {
		if existing.Email == u.Email {
			return store.ErrDuplicate
		}
	}
	c := *u
	m.users[u.ID] = &c
	return nil
}

func (m *memUsers) GetUser(_ context.Context, id string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	c := *u
	return &c, nil
}

func (m *memUsers) GetUserByEmail(_ context.Context, email string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == email {
			c := *u
			return &c, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *memUsers) UpdateUser(_ context.Context, u *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[u.ID]; !ok {
		return store.ErrNotFound
	}
	c := *u
	m.users[u.ID] = &c
	return nil
}

func (m *memUsers) RevokeToken(_ context.Context, id string, exp time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revoked[id] = exp
	return nil
}

func (m *memUsers) IsTokenRevoked(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.revoked[id]
	return ok, nil
}

type capture struct {
	events []notify.Event
}

func (c *capture) Publish(e notify.Event) { c.events = append(c.events, e) }

const testSecret = "0123456789abcdef0123456789abcdef"

func newTestLocal() (*Local, *memUsers, *capture) {
	users := newMemUsers()
	events := &capture{}
	l := NewLocal(users, users, events, LocalOptions{
		Secret:   []byte(testSecret),
		Issuer:   "loansyncro-test",
		TokenTTL: 30 * time.Minute,
	}, zap.NewNop())
	l.cost = bcrypt.MinCost
	return l, users, events
}

var validInput = RegisterInput{Email: "  Ada@Example.COM ", Password: "Secr3t!pass", FullName: "Ada Lovelace"}

func registerConfirmed(t *testing.T, l *Local, events *capture) *models.User {
	t.Helper()
	ctx := context.Background()
	u, err := l.Register(ctx, validInput)
	require.NoError(t, err)
	code := events.events[len(events.events)-1].Code
	require.NoError(t, l.ConfirmRegistration(ctx, u.Email, code))
	return u
}

func TestRegisterInput_Validate(t *testing.T) {
	tests := []struct {
		name string
		in   RegisterInput
		want error
	}{
		{"valid", validInput, nil},
		{"missing name", RegisterInput{Email: "a@b.co", Password: "Secr3t!pass"}, ErrNameRequired},
		{"bad email", RegisterInput{Email: "a@b", Password: "Secr3t!pass", FullName: "A"}, ErrInvalidEmail},
		{"email with space", RegisterInput{Email: "a b@c.io", Password: "Secr3t!pass", FullName: "A"}, ErrInvalidEmail},
		{"short password", RegisterInput{Email: "a@b.co", Password: "S3t!", FullName: "A"}, ErrWeakPassword},
		{"no upper", RegisterInput{Email: "a@b.co", Password: "secr3t!pass", FullName: "A"}, ErrWeakPassword},
		{"no digit", RegisterInput{Email: "a@b.co", Password: "Secret!pass", FullName: "A"}, ErrWeakPassword},
		{"no symbol", RegisterInput{Email: "a@b.co", Password: "Secr3tpass", FullName: "A"}, ErrWeakPassword},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.in.Validate()
			if tt.want == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.want)
			}
		})
	}
}

func TestRegister(t *testing.T) {
	l, users, events := newTestLocal()
	ctx := context.Background()

	u, err := l.Register(ctx, validInput)
	require.NoError(t, err)
	assert.Equal(t, "ada@example.com", u.Email)
	assert.False(t, u.Confirmed)
	assert.NotEqual(t, validInput.Password, u.PasswordHash)
	assert.Len(t, u.ConfirmationCode, 6)

	require.Len(t, events.events, 1)
	assert.Equal(t, notify.KindConfirmationCode, events.events[0].Kind)
	assert.Equal(t, u.ConfirmationCode, events.events[0].Code)

	stored, err := users.GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, u.PasswordHash, stored.PasswordHash)

	_, err = l.Register(ctx, RegisterInput{Email: "ADA@example.com", Password: "Other1!pass", FullName: "Ada"})
	assert.ErrorIs(t, err, ErrEmailTaken)
}

func TestConfirmRegistration(t *testing.T) {
	l, users, events := newTestLocal()
	ctx := context.Background()

	u, err := l.Register(ctx, validInput)
	require.NoError(t, err)

	assert.ErrorIs(t, l.ConfirmRegistration(ctx, u.Email, "not-it"), ErrInvalidCode)
	assert.ErrorIs(t, l.ConfirmRegistration(ctx, "nobody@example.com", "123456"), ErrInvalidCode)

	require.NoError(t, l.ConfirmRegistration(ctx, "ADA@example.com", events.events[0].Code))
	stored, err := users.GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.True(t, stored.Confirmed)
	assert.Empty(t, stored.ConfirmationCode)

	// Confirming twice is harmless.
	assert.NoError(t, l.ConfirmRegistration(ctx, u.Email, "anything"))
}

func TestResendConfirmationCode(t *testing.T) {
	l, users, events := newTestLocal()
	ctx := context.Background()

	u, err := l.Register(ctx, validInput)
	require.NoError(t, err)

	require.NoError(t, l.ResendConfirmationCode(ctx, u.Email))
	require.Len(t, events.events, 2)
	stored, err := users.GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, events.events[1].Code, stored.ConfirmationCode)

	assert.ErrorIs(t, l.ResendConfirmationCode(ctx, "nobody@example.com"), ErrInvalidCredentials)
}

func TestLogin(t *testing.T) {
	l, _, events := newTestLocal()
	ctx := context.Background()

	u, err := l.Register(ctx, validInput)
	require.NoError(t, err)

	_, err = l.Login(ctx, u.Email, validInput.Password)
	assert.ErrorIs(t, err, ErrNotConfirmed)

	require.NoError(t, l.ConfirmRegistration(ctx, u.Email, events.events[0].Code))

	_, err = l.Login(ctx, u.Email, "Wrong1!pass")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = l.Login(ctx, "nobody@example.com", validInput.Password)
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	session, err := l.Login(ctx, "Ada@Example.com", validInput.Password)
	require.NoError(t, err)
	assert.NotEmpty(t, session.AccessToken)
	assert.Equal(t, "Bearer", session.TokenType)
	assert.Equal(t, u.ID, session.User.ID)

	current, err := l.CurrentUser(ctx, session.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, u.ID, current.ID)
}

func TestLogoutRevokesToken(t *testing.T) {
	l, _, events := newTestLocal()
	ctx := context.Background()
	registerConfirmed(t, l, events)

	session, err := l.Login(ctx, validInput.Email, validInput.Password)
	require.NoError(t, err)

	require.NoError(t, l.Logout(ctx, session.AccessToken))
	_, err = l.CurrentUser(ctx, session.AccessToken)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestCurrentUser_RejectsBadTokens(t *testing.T) {
	l, _, events := newTestLocal()
	ctx := context.Background()
	registerConfirmed(t, l, events)

	session, err := l.Login(ctx, validInput.Email, validInput.Password)
	require.NoError(t, err)

	_, err = l.CurrentUser(ctx, "garbage")
	assert.ErrorIs(t, err, ErrInvalidToken)

	other, _, _ := newTestLocal()
	other.opts.Secret = []byte("ffffffffffffffffffffffffffffffff")
	_, err = other.CurrentUser(ctx, session.AccessToken)
	assert.ErrorIs(t, err, ErrInvalidToken)

	l.now = func() time.Time { return time.Now().Add(time.Hour) }
	_, err = l.CurrentUser(ctx, session.AccessToken)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestNew_Provider(t *testing.T) {
	users := newMemUsers()
	cfg := config.AuthConfig{Provider: "local", Secret: testSecret, TokenTTL: "30m"}

	id, err := New(cfg, users, users, nil, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &Local{}, id)

	cfg.Provider = "cognito"
	_, err = New(cfg, users, users, nil, zap.NewNop())
	assert.Error(t, err)
}

func TestUserContext(t *testing.T) {
	_, ok := UserFromContext(context.Background())
	assert.False(t, ok)

	u := &models.User{ID: "u1"}
	got, ok := UserFromContext(WithUser(context.Background(), u))
	require.True(t, ok)
	assert.Equal(t, "u1", got.ID)
}
