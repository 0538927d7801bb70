package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/loansyncro/pkg/accounting"
	"github.com/mcclellann/loansyncro/pkg/metrics"
	"github.com/mcclellann/loansyncro/pkg/models"
	"github.com/mcclellann/loansyncro/pkg/notify"
	"github.com/mcclellann/loansyncro/pkg/store"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// maxWriteAttempts bounds retries of a loan write that lost a version race.
const maxWriteAttempts = 3

var (
	ErrNotFound          = errors.New("loan not found")
	ErrForbidden         = errors.New("loan belongs to another user")
	ErrInvalidInput      = errors.New("invalid input")
	ErrLoanClosed        = errors.New("loan is closed")
	ErrInvalidTransition = errors.New("invalid loan status transition")
)

// Store is the persistence the ledger needs.
type Store interface {
	store.LoanStore
	store.RepaymentStore
}

// Ledger handles the business logic for loans and repayments. Every
// operation is scoped to the owner passed in by the caller.
type Ledger struct {
	storage Store
	events  notify.Publisher
	logger  *zap.Logger
	tracer  trace.Tracer
	now     func() time.Time
}

// NewLedger creates a new Ledger with a given Store implementation.
func NewLedger(s Store, events notify.Publisher, logger *zap.Logger) *Ledger {
	return &Ledger{
		storage: s,
		events:  events,
		logger:  logger,
		tracer:  otel.Tracer("github.com/mcclellann/loansyncro/pkg/ledger"),
		now:     time.Now,
	}
}

// LoanInput is the data a user supplies when recording a loan.
type LoanInput struct {
	Title                     string          `json:"title"`
	Principal                 decimal.Decimal `json:"amount"`
	AnnualInterestRatePercent decimal.Decimal `json:"interest_rate"`
	TermMonths                int             `json:"term_months"`
	StartDate                 models.Date     `json:"start_date"`
	Description               string          `json:"description"`
}

// LoanPatch is a partial loan edit. Nil fields are left unchanged.
type LoanPatch struct {
	Title                     *string          `json:"title"`
	Principal                 *decimal.Decimal `json:"amount"`
	AnnualInterestRatePercent *decimal.Decimal `json:"interest_rate"`
	TermMonths                *int             `json:"term_months"`
	StartDate                 *models.Date     `json:"start_date"`
	Description               *string          `json:"description"`
}

func (p LoanPatch) changesTerms() bool {
	return p.Principal != nil || p.AnnualInterestRatePercent != nil || p.TermMonths != nil
}

// RepaymentInput is a payment the user made against one of their loans.
// A zero PaymentDate means today.
type RepaymentInput struct {
	LoanID      uuid.UUID       `json:"loan_id"`
	Amount      decimal.Decimal `json:"amount"`
	PaymentDate models.Date     `json:"payment_date"`
	Notes       string          `json:"notes"`
}

// Receipt describes a recorded repayment and the loan state it produced.
type Receipt struct {
	Repayment  *models.Repayment `json:"repayment"`
	LoanStatus models.LoanStatus `json:"loan_status"`
	Progress   models.Progress   `json:"progress"`
}

func (l *Ledger) startSpan(ctx context.Context, name, owner string) (context.Context, trace.Span) {
	return l.tracer.Start(ctx, "ledger."+name, trace.WithAttributes(attribute.String("loansyncro.owner", owner)))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// retry runs fn again while it fails with store.ErrConflict.
func (l *Ledger) retry(op string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= maxWriteAttempts; attempt++ {
		err = fn()
		if !errors.Is(err, store.ErrConflict) {
			return err
		}
		metrics.VersionConflicts.WithLabelValues(op).Inc()
		l.logger.Debug("loan version conflict", zap.String("operation", op), zap.Int("attempt", attempt))
	}
	return err
}

func (l *Ledger) publish(e notify.Event) {
	if l.events != nil {
		l.events.Publish(e)
	}
}

func (l *Ledger) recordTransition(loan *models.Loan, from models.LoanStatus) {
	if loan.Status == from {
		return
	}
	metrics.StatusTransitions.WithLabelValues(string(from), string(loan.Status)).Inc()
	l.logger.Info("loan status changed",
		zap.Stringer("loan_id", loan.ID), zap.String("from", string(from)), zap.String("to", string(loan.Status)))
}

// ownedLoan loads a loan and checks it belongs to owner.
func (l *Ledger) ownedLoan(ctx context.Context, owner string, id uuid.UUID) (*models.Loan, error) {
	loan, err := l.storage.GetLoan(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("loan %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get loan: %w", err)
	}
	if loan.Owner != owner {
		return nil, ErrForbidden
	}
	return loan, nil
}

// CreateLoan validates the terms, derives the payment figures and stores a
// new active loan.
func (l *Ledger) CreateLoan(ctx context.Context, owner string, in LoanInput) (_ *models.Loan, err error) {
	ctx, span := l.startSpan(ctx, "CreateLoan", owner)
	defer func() { endSpan(span, err) }()

	title := strings.TrimSpace(in.Title)
	if title == "" {
		return nil, fmt.Errorf("%w: title is required", ErrInvalidInput)
	}
	if in.StartDate.IsZero() {
		return nil, fmt.Errorf("%w: start_date is required", ErrInvalidInput)
	}
	figures, err := accounting.ComputeAmortization(in.Principal, in.AnnualInterestRatePercent, in.TermMonths)
	if err != nil {
		return nil, err
	}

	now := l.now().UTC()
	loan := &models.Loan{
		ID:                        uuid.New(),
		Owner:                     owner,
		Title:                     title,
		Principal:                 in.Principal,
		AnnualInterestRatePercent: in.AnnualInterestRatePercent,
		TermMonths:                in.TermMonths,
		StartDate:                 in.StartDate,
		Description:               strings.TrimSpace(in.Description),
		MonthlyPayment:            figures.MonthlyPayment,
		TotalPayable:              figures.TotalPayable,
		Status:                    models.LoanStatusActive,
		CreatedAt:                 now,
		UpdatedAt:                 now,
	}
	if err := l.storage.CreateLoan(ctx, loan); err != nil {
		return nil, fmt.Errorf("failed to store loan: %w", err)
	}

	metrics.LoansCreated.Inc()
	l.logger.Info("loan created", zap.Stringer("loan_id", loan.ID), zap.String("owner", owner))
	l.publish(notify.Event{
		Kind:        notify.KindLoanCreated,
		Owner:       owner,
		LoanID:      loan.ID,
		LoanTitle:   loan.Title,
		Amount:      loan.Principal,
		RatePercent: loan.AnnualInterestRatePercent,
		TermMonths:  loan.TermMonths,
	})
	return loan, nil
}

// GetLoan retrieves one of owner's loans.
func (l *Ledger) GetLoan(ctx context.Context, owner string, id uuid.UUID) (_ *models.Loan, err error) {
	ctx, span := l.startSpan(ctx, "GetLoan", owner)
	defer func() { endSpan(span, err) }()
	return l.ownedLoan(ctx, owner, id)
}

// ListLoans retrieves owner's loans, newest first.
func (l *Ledger) ListLoans(ctx context.Context, owner string) (_ []*models.Loan, err error) {
	ctx, span := l.startSpan(ctx, "ListLoans", owner)
	defer func() { endSpan(span, err) }()

	loans, err := l.storage.ListLoansByOwner(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("failed to list loans: %w", err)
	}
	if loans == nil {
		loans = []*models.Loan{}
	}
	return loans, nil
}

// UpdateLoan applies a partial edit. Changing principal, rate or term
// recomputes the payment figures and, for an active loan, the status against
// the repayments already recorded. Closed loans only accept edits to their
// descriptive fields.
func (l *Ledger) UpdateLoan(ctx context.Context, owner string, id uuid.UUID, patch LoanPatch) (_ *models.Loan, err error) {
	ctx, span := l.startSpan(ctx, "UpdateLoan", owner)
	defer func() { endSpan(span, err) }()

	var updated *models.Loan
	var before models.LoanStatus
	err = l.retry("update_loan", func() error {
		loan, err := l.ownedLoan(ctx, owner, id)
		if err != nil {
			return err
		}
		before = loan.Status

		if patch.changesTerms() && loan.Status != models.LoanStatusActive {
			return fmt.Errorf("%w: cannot change the terms of a %s loan", ErrLoanClosed, loan.Status)
		}
		if patch.Title != nil {
			title := strings.TrimSpace(*patch.Title)
			if title == "" {
				return fmt.Errorf("%w: title is required", ErrInvalidInput)
			}
			loan.Title = title
		}
		if patch.Description != nil {
			loan.Description = strings.TrimSpace(*patch.Description)
		}
		if patch.StartDate != nil {
			if patch.StartDate.IsZero() {
				return fmt.Errorf("%w: start_date is required", ErrInvalidInput)
			}
			loan.StartDate = *patch.StartDate
		}

		if patch.changesTerms() {
			if patch.Principal != nil {
				loan.Principal = *patch.Principal
			}
			if patch.AnnualInterestRatePercent != nil {
				loan.AnnualInterestRatePercent = *patch.AnnualInterestRatePercent
			}
			if patch.TermMonths != nil {
				loan.TermMonths = *patch.TermMonths
			}
			figures, err := accounting.ComputeAmortization(loan.Principal, loan.AnnualInterestRatePercent, loan.TermMonths)
			if err != nil {
				return err
			}
			loan.MonthlyPayment = figures.MonthlyPayment
			loan.TotalPayable = figures.TotalPayable

			repayments, err := l.storage.ListRepaymentsForLoan(ctx, loan.ID)
			if err != nil {
				return fmt.Errorf("failed to list repayments: %w", err)
			}
			status, err := accounting.RecomputeLoanStatus(loan, repayments)
			if err != nil {
				return err
			}
			if accounting.CanTransition(loan.Status, status) {
				loan.Status = status
			}
		}

		loan.UpdatedAt = l.now().UTC()
		if err := l.storage.UpdateLoan(ctx, loan); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("loan %s: %w", id, ErrNotFound)
			}
			return err
		}
		updated = loan
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.recordTransition(updated, before)
	if before != models.LoanStatusPaid && updated.Status == models.LoanStatusPaid {
		l.publishPaidOff(ctx, updated)
	}
	return updated, nil
}

// DeleteLoan removes one of owner's loans together with its repayments.
func (l *Ledger) DeleteLoan(ctx context.Context, owner string, id uuid.UUID) (err error) {
	ctx, span := l.startSpan(ctx, "DeleteLoan", owner)
	defer func() { endSpan(span, err) }()

	if _, err := l.ownedLoan(ctx, owner, id); err != nil {
		return err
	}
	if err := l.storage.DeleteLoan(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("loan %s: %w", id, ErrNotFound)
		}
		return fmt.Errorf("failed to delete loan: %w", err)
	}
	l.logger.Info("loan deleted", zap.Stringer("loan_id", id), zap.String("owner", owner))
	return nil
}

// RecordRepayment stores a repayment and recomputes the loan's status from
// the same snapshot of repayments in one transaction. Repayments on paid or
// defaulted loans are accepted but never change their status.
func (l *Ledger) RecordRepayment(ctx context.Context, owner string, in RepaymentInput) (_ *Receipt, err error) {
	ctx, span := l.startSpan(ctx, "RecordRepayment", owner)
	defer func() { endSpan(span, err) }()
	span.SetAttributes(attribute.String("loansyncro.loan_id", in.LoanID.String()))

	if !in.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be greater than zero", ErrInvalidInput)
	}
	paymentDate := in.PaymentDate
	if paymentDate.IsZero() {
		paymentDate = models.DateOf(l.now())
	}

	var (
		repayment *models.Repayment
		loan      *models.Loan
		before    models.LoanStatus
		progress  models.Progress
	)
	err = l.retry("record_repayment", func() error {
		repayment = &models.Repayment{
			ID:          uuid.New(),
			LoanID:      in.LoanID,
			Owner:       owner,
			Amount:      in.Amount,
			PaymentDate: paymentDate,
			Notes:       strings.TrimSpace(in.Notes),
			CreatedAt:   l.now().UTC(),
		}
		var err error
		loan, err = l.storage.RecordRepayment(ctx, repayment, func(current *models.Loan, repayments []*models.Repayment) error {
			if current.Owner != owner {
				return ErrForbidden
			}
			before = current.Status
			status, err := accounting.RecomputeLoanStatus(current, repayments)
			if err != nil {
				return err
			}
			if status != current.Status && accounting.CanTransition(current.Status, status) {
				current.Status = status
			}
			if progress, err = accounting.RepaymentProgress(current, repayments); err != nil {
				return err
			}
			current.UpdatedAt = l.now().UTC()
			return nil
		})
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("loan %s: %w", in.LoanID, ErrNotFound)
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	metrics.RepaymentsRecorded.Inc()
	l.logger.Info("repayment recorded",
		zap.Stringer("repayment_id", repayment.ID), zap.Stringer("loan_id", loan.ID), zap.String("owner", owner))
	l.recordTransition(loan, before)

	l.publish(notify.Event{
		Kind:        notify.KindRepaymentReceived,
		Owner:       owner,
		LoanID:      loan.ID,
		LoanTitle:   loan.Title,
		Amount:      repayment.Amount,
		TotalRepaid: progress.TotalRepaid,
		Outstanding: progress.RemainingBalance,
	})
	if before != models.LoanStatusPaid && loan.Status == models.LoanStatusPaid {
		l.publish(notify.Event{
			Kind:        notify.KindLoanPaidOff,
			Owner:       owner,
			LoanID:      loan.ID,
			LoanTitle:   loan.Title,
			TotalRepaid: progress.TotalRepaid,
		})
	}

	return &Receipt{Repayment: repayment, LoanStatus: loan.Status, Progress: progress}, nil
}

func (l *Ledger) publishPaidOff(ctx context.Context, loan *models.Loan) {
	repayments, err := l.storage.ListRepaymentsForLoan(ctx, loan.ID)
	if err != nil {
		l.logger.Warn("failed to load repayments for notification", zap.Stringer("loan_id", loan.ID), zap.Error(err))
		return
	}
	total, err := accounting.TotalRepaid(loan, repayments)
	if err != nil {
		l.logger.Warn("inconsistent repayments", zap.Stringer("loan_id", loan.ID), zap.Error(err))
		return
	}
	l.publish(notify.Event{
		Kind:        notify.KindLoanPaidOff,
		Owner:       loan.Owner,
		LoanID:      loan.ID,
		LoanTitle:   loan.Title,
		TotalRepaid: total,
	})
}

// ListRepayments retrieves every repayment owner recorded, newest payment
// date first.
func (l *Ledger) ListRepayments(ctx context.Context, owner string) (_ []*models.Repayment, err error) {
	ctx, span := l.startSpan(ctx, "ListRepayments", owner)
	defer func() { endSpan(span, err) }()

	repayments, err := l.storage.ListRepaymentsByOwner(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("failed to list repayments: %w", err)
	}
	if repayments == nil {
		repayments = []*models.Repayment{}
	}
	return repayments, nil
}

// ListLoanRepayments retrieves the repayments of one of owner's loans.
func (l *Ledger) ListLoanRepayments(ctx context.Context, owner string, loanID uuid.UUID) (_ []*models.Repayment, err error) {
	ctx, span := l.startSpan(ctx, "ListLoanRepayments", owner)
	defer func() { endSpan(span, err) }()

	if _, err := l.ownedLoan(ctx, owner, loanID); err != nil {
		return nil, err
	}
	repayments, err := l.storage.ListRepaymentsForLoan(ctx, loanID)
	if err != nil {
		return nil, fmt.Errorf("failed to list repayments: %w", err)
	}
	if repayments == nil {
		repayments = []*models.Repayment{}
	}
	return repayments, nil
}

// Progress reports how far one of owner's loans has been repaid.
func (l *Ledger) Progress(ctx context.Context, owner string, loanID uuid.UUID) (_ models.Progress, err error) {
	ctx, span := l.startSpan(ctx, "Progress", owner)
	defer func() { endSpan(span, err) }()

	loan, err := l.ownedLoan(ctx, owner, loanID)
	if err != nil {
		return models.Progress{}, err
	}
	repayments, err := l.storage.ListRepaymentsForLoan(ctx, loanID)
	if err != nil {
		return models.Progress{}, fmt.Errorf("failed to list repayments: %w", err)
	}
	return accounting.RepaymentProgress(loan, repayments)
}

// Schedule returns the amortization schedule of one of owner's loans.
func (l *Ledger) Schedule(ctx context.Context, owner string, loanID uuid.UUID) (_ []models.Installment, err error) {
	ctx, span := l.startSpan(ctx, "Schedule", owner)
	defer func() { endSpan(span, err) }()

	loan, err := l.ownedLoan(ctx, owner, loanID)
	if err != nil {
		return nil, err
	}
	return accounting.Schedule(loan.Principal, loan.AnnualInterestRatePercent, loan.TermMonths, loan.StartDate)
}

// Summary aggregates all of owner's loans.
func (l *Ledger) Summary(ctx context.Context, owner string) (_ models.Summary, err error) {
	ctx, span := l.startSpan(ctx, "Summary", owner)
	defer func() { endSpan(span, err) }()

	loans, err := l.storage.ListLoansByOwner(ctx, owner)
	if err != nil {
		return models.Summary{}, fmt.Errorf("failed to list loans: %w", err)
	}
	repayments, err := l.storage.ListRepaymentsByOwner(ctx, owner)
	if err != nil {
		return models.Summary{}, fmt.Errorf("failed to list repayments: %w", err)
	}

	// The two reads are not one snapshot; skip repayments whose loan was
	// created or deleted in between.
	known := make(map[uuid.UUID]bool, len(loans))
	for _, loan := range loans {
		known[loan.ID] = true
	}
	kept := repayments[:0:0]
	for _, r := range repayments {
		if known[r.LoanID] {
			kept = append(kept, r)
		}
	}
	return accounting.Summarize(loans, kept)
}

// MarkDefaulted moves an active loan to defaulted.
func (l *Ledger) MarkDefaulted(ctx context.Context, owner string, loanID uuid.UUID) (_ *models.Loan, err error) {
	ctx, span := l.startSpan(ctx, "MarkDefaulted", owner)
	defer func() { endSpan(span, err) }()

	var loan *models.Loan
	err = l.retry("mark_defaulted", func() error {
		var err error
		loan, err = l.ownedLoan(ctx, owner, loanID)
		if err != nil {
			return err
		}
		if loan.Status == models.LoanStatusDefaulted || !accounting.CanTransition(loan.Status, models.LoanStatusDefaulted) {
			return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, loan.Status, models.LoanStatusDefaulted)
		}
		loan.Status = models.LoanStatusDefaulted
		loan.UpdatedAt = l.now().UTC()
		return l.storage.UpdateLoan(ctx, loan)
	})
	if err != nil {
		return nil, err
	}
	l.recordTransition(loan, models.LoanStatusActive)
	return loan, nil
}
