// Package auth handles user registration, email confirmation and access
// tokens. Handlers depend on the Identity interface; Local is the only
// provider.
package auth

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/mcclellann/loansyncro/pkg/config"
	"github.com/mcclellann/loansyncro/pkg/models"
	"github.com/mcclellann/loansyncro/pkg/notify"
	"github.com/mcclellann/loansyncro/pkg/store"
	"go.uber.org/zap"
)

var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrNotConfirmed       = errors.New("email address not confirmed")
	ErrInvalidToken       = errors.New("invalid or expired token")
	ErrEmailTaken         = errors.New("email already registered")
	ErrInvalidCode        = errors.New("invalid confirmation code")
	ErrWeakPassword       = errors.New("password must be at least 8 characters and contain an uppercase letter, a digit and a symbol")
	ErrInvalidEmail       = errors.New("invalid email address")
	ErrNameRequired       = errors.New("full name is required")
)

var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// RegisterInput is the sign-up form.
type RegisterInput struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	FullName string `json:"full_name"`
}

// Session is returned by a successful login.
type Session struct {
	AccessToken string       `json:"access_token"`
	TokenType   string       `json:"token_type"`
	ExpiresAt   time.Time    `json:"expires_at"`
	User        *models.User `json:"user"`
}

// Identity is the authentication capability the HTTP layer needs.
type Identity interface {
	Register(ctx context.Context, in RegisterInput) (*models.User, error)
	ConfirmRegistration(ctx context.Context, email, code string) error
	ResendConfirmationCode(ctx context.Context, email string) error
	Login(ctx context.Context, email, password string) (*Session, error)
	Logout(ctx context.Context, token string) error
	CurrentUser(ctx context.Context, token string) (*models.User, error)
}

// New builds the provider named in cfg.
func New(cfg config.AuthConfig, users store.UserStore, tokens store.TokenStore, events notify.Publisher, logger *zap.Logger) (Identity, error) {
	switch cfg.Provider {
	case "local":
		return NewLocal(users, tokens, events, LocalOptions{
			Secret:   []byte(cfg.Secret),
			Issuer:   cfg.Issuer,
			TokenTTL: cfg.TokenTTLDuration(),
		}, logger), nil
	default:
		return nil, fmt.Errorf("unsupported auth provider %q", cfg.Provider)
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Validate checks the registration form.
func (in RegisterInput) Validate() error {
	if strings.TrimSpace(in.FullName) == "" {
		return ErrNameRequired
	}
	if !emailPattern.MatchString(strings.TrimSpace(in.Email)) {
		return ErrInvalidEmail
	}
	return validatePassword(in.Password)
}

func validatePassword(p string) error {
	var upper, digit, symbol bool
	n := 0
	for _, r := range p {
		n++
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsDigit(r):
			digit = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			symbol = true
		}
	}
	if n < 8 || !upper || !digit || !symbol {
		return ErrWeakPassword
	}
	return nil
}

type contextKey struct{}

// WithUser returns a copy of ctx carrying the authenticated user.
func WithUser(ctx context.Context, u *models.User) context.Context {
	return context.WithValue(ctx, contextKey{}, u)
}

// UserFromContext returns the user stored by WithUser.
func UserFromContext(ctx context.Context) (*models.User, bool) {
	u, ok := ctx.Value(contextKey{}).(*models.User)
	return u, ok && u != nil
}
