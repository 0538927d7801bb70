package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/loansyncro/pkg/models"
)

var (
	ErrNotFound  = errors.New("record not found")
	ErrConflict  = errors.New("record was modified concurrently")
	ErrDuplicate = errors.New("record already exists")
)

// RepaymentFunc is called inside the repayment transaction with a snapshot of
// the loan and every repayment recorded against it, including the new one.
// It may change the loan; returning an error aborts the insert.
type RepaymentFunc func(loan *models.Loan, repayments []*models.Repayment) error

// LoanStore persists loans. UpdateLoan succeeds only if loan.Version matches
// the stored version and bumps it on success.
type LoanStore interface {
	CreateLoan(ctx context.Context, loan *models.Loan) error
	GetLoan(ctx context.Context, id uuid.UUID) (*models.Loan, error)
	UpdateLoan(ctx context.Context, loan *models.Loan) error
	DeleteLoan(ctx context.Context, id uuid.UUID) error
	ListLoansByOwner(ctx context.Context, owner string) ([]*models.Loan, error)
}

// RepaymentStore is append-only.
type RepaymentStore interface {
	RecordRepayment(ctx context.Context, repayment *models.Repayment, apply RepaymentFunc) (*models.Loan, error)
	ListRepaymentsForLoan(ctx context.Context, loanID uuid.UUID) ([]*models.Repayment, error)
	ListRepaymentsByOwner(ctx context.Context, owner string) ([]*models.Repayment, error)
}

type UserStore interface {
	CreateUser(ctx context.Context, user *models.User) error
	GetUser(ctx context.Context, id string) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	UpdateUser(ctx context.Context, user *models.User) error
}

// TokenStore tracks access tokens revoked before their expiry.
type TokenStore interface {
	RevokeToken(ctx context.Context, tokenID string, expiresAt time.Time) error
	IsTokenRevoked(ctx context.Context, tokenID string) (bool, error)
}

// Storage defines every database operation the service needs.
type Storage interface {
	LoanStore
	RepaymentStore
	UserStore
	TokenStore

	Close() error
}
