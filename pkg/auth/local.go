package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/mcclellann/loansyncro/pkg/models"
	"github.com/mcclellann/loansyncro/pkg/notify"
	"github.com/mcclellann/loansyncro/pkg/store"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// LocalOptions configures token issuance for Local.
type LocalOptions struct {
	Secret   []byte
	Issuer   string
	TokenTTL time.Duration
}

// Local authenticates against users stored in the service's own database and
// issues HS256 access tokens.
type Local struct {
	users  store.UserStore
	tokens store.TokenStore
	events notify.Publisher
	opts   LocalOptions
	logger *zap.Logger

	cost int
	now  func() time.Time
}

func NewLocal(users store.UserStore, tokens store.TokenStore, events notify.Publisher, opts LocalOptions, logger *zap.Logger) *Local {
	return &Local{
		users:  users,
		tokens: tokens,
		events: events,
		opts:   opts,
		logger: logger,
		cost:   bcrypt.DefaultCost,
		now:    time.Now,
	}
}

func (l *Local) Register(ctx context.Context, in RegisterInput) (*models.User, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	email := normalizeEmail(in.Email)

	if _, err := l.users.GetUserByEmail(ctx, email); err == nil {
		return nil, ErrEmailTaken
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("failed to look up user: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), l.cost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}
	code, err := confirmationCode()
	if err != nil {
		return nil, err
	}

	user := &models.User{
		ID:               uuid.NewString(),
		Email:            email,
		FullName:         strings.TrimSpace(in.FullName),
		PasswordHash:     string(hash),
		ConfirmationCode: code,
		CreatedAt:        l.now().UTC(),
	}
	if err := l.users.CreateUser(ctx, user); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, ErrEmailTaken
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	l.sendCode(user)
	l.logger.Info("user registered", zap.String("user_id", user.ID))
	return user, nil
}

func (l *Local) ConfirmRegistration(ctx context.Context, email, code string) error {
	user, err := l.users.GetUserByEmail(ctx, normalizeEmail(email))
	if errors.Is(err, store.ErrNotFound) {
		return ErrInvalidCode
	}
	if err != nil {
		return fmt.Errorf("failed to look up user: %w", err)
	}
	if user.Confirmed {
		return nil
	}
	if user.ConfirmationCode == "" || subtle.ConstantTimeCompare([]byte(user.ConfirmationCode), []byte(strings.TrimSpace(code))) != 1 {
		return ErrInvalidCode
	}

	user.Confirmed = true
	user.ConfirmationCode = ""
	if err := l.users.UpdateUser(ctx, user); err != nil {
		return fmt.Errorf("failed to confirm user: %w", err)
	}
	return nil
}

func (l *Local) ResendConfirmationCode(ctx context.Context, email string) error {
	user, err := l.users.GetUserByEmail(ctx, normalizeEmail(email))
	if errors.Is(err, store.ErrNotFound) {
		return ErrInvalidCredentials
	}
	if err != nil {
		return fmt.Errorf("failed to look up user: %w", err)
	}
	if user.Confirmed {
		return nil
	}

	code, err := confirmationCode()
	if err != nil {
		return err
	}
	user.ConfirmationCode = code
	if err := l.users.UpdateUser(ctx, user); err != nil {
		return fmt.Errorf("failed to store confirmation code: %w", err)
	}
	l.sendCode(user)
	return nil
}

func (l *Local) Login(ctx context.Context, email, password string) (*Session, error) {
	user, err := l.users.GetUserByEmail(ctx, normalizeEmail(email))
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up user: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	if !user.Confirmed {
		return nil, ErrNotConfirmed
	}

	now := l.now()
	expires := now.Add(l.opts.TokenTTL)
	claims := jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		Subject:   user.ID,
		Issuer:    l.opts.Issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expires),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(l.opts.Secret)
	if err != nil {
		return nil, fmt.Errorf("failed to sign token: %w", err)
	}

	return &Session{
		AccessToken: signed,
		TokenType:   "Bearer",
		ExpiresAt:   expires.UTC().Truncate(time.Second),
		User:        user,
	}, nil
}

func (l *Local) Logout(ctx context.Context, token string) error {
	claims, err := l.parse(token)
	if err != nil {
		return err
	}
	if err := l.tokens.RevokeToken(ctx, claims.ID, claims.ExpiresAt.Time); err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}
	return nil
}

func (l *Local) CurrentUser(ctx context.Context, token string) (*models.User, error) {
	claims, err := l.parse(token)
	if err != nil {
		return nil, err
	}
	revoked, err := l.tokens.IsTokenRevoked(ctx, claims.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to check token: %w", err)
	}
	if revoked {
		return nil, ErrInvalidToken
	}

	user, err := l.users.GetUser(ctx, claims.Subject)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	return user, nil
}

func (l *Local) parse(token string) (*jwt.RegisteredClaims, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (interface{}, error) { return l.opts.Secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(l.opts.Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(l.now),
	)
	if err != nil || claims.ID == "" || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func (l *Local) sendCode(user *models.User) {
	if l.events == nil {
		return
	}
	l.events.Publish(notify.Event{
		Kind:  notify.KindConfirmationCode,
		Owner: user.ID,
		Email: user.Email,
		Code:  user.ConfirmationCode,
	})
}

// confirmationCode returns a random six-digit code.
func confirmationCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", fmt.Errorf("failed to generate confirmation code: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}
