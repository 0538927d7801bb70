package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/loansyncro/pkg/models"
	"github.com/shopspring/decimal"
)

var drivers = []string{DriverCGO, DriverPureGo}

func newTestStore(t *testing.T, driver string) *SQLiteStore {
	t.Helper()
	dbFile := filepath.Join(t.TempDir(), "test_store.db")

	s, err := NewSQLiteStore(driver, dbFile, 5*time.Second, nil)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestLoan(owner string) *models.Loan {
	now := time.Now()
	return &models.Loan{
		ID:                        uuid.New(),
		Owner:                     owner,
		Title:                     "Car loan",
		Principal:                 decimal.NewFromInt(12000),
		AnnualInterestRatePercent: decimal.NewFromFloat(6),
		TermMonths:                12,
		StartDate:                 models.NewDate(2024, time.January, 15),
		Description:               "Used hatchback",
		MonthlyPayment:            decimal.RequireFromString("1032.80"),
		TotalPayable:              decimal.RequireFromString("12393.57"),
		Status:                    models.LoanStatusActive,
		CreatedAt:                 now,
		UpdatedAt:                 now,
	}
}

func newTestRepayment(loan *models.Loan, amount string, date models.Date) *models.Repayment {
	return &models.Repayment{
		ID:          uuid.New(),
		LoanID:      loan.ID,
		Owner:       loan.Owner,
		Amount:      decimal.RequireFromString(amount),
		PaymentDate: date,
		CreatedAt:   time.Now(),
	}
}

func noop(*models.Loan, []*models.Repayment) error { return nil }

func TestSQLiteStore_CreateAndGetLoan(t *testing.T) {
	for _, driver := range drivers {
		t.Run(driver, func(t *testing.T) {
			s := newTestStore(t, driver)
			ctx := context.Background()
			loan := newTestLoan("user-1")

			if err := s.CreateLoan(ctx, loan); err != nil {
				t.Fatalf("Failed to create loan: %v", err)
			}

			fetched, err := s.GetLoan(ctx, loan.ID)
			if err != nil {
				t.Fatalf("Failed to get loan: %v", err)
			}
			if fetched.Owner != loan.Owner {
				t.Errorf("Expected Owner %s, got %s", loan.Owner, fetched.Owner)
			}
			if !fetched.Principal.Equal(loan.Principal) {
				t.Errorf("Expected Principal %s, got %s", loan.Principal, fetched.Principal)
			}
			if !fetched.TotalPayable.Equal(loan.TotalPayable) {
				t.Errorf("Expected TotalPayable %s, got %s", loan.TotalPayable, fetched.TotalPayable)
			}
			if fetched.StartDate.String() != "2024-01-15" {
				t.Errorf("Expected StartDate 2024-01-15, got %s", fetched.StartDate)
			}
			if fetched.Version != 1 {
				t.Errorf("Expected Version 1, got %d", fetched.Version)
			}
			if !fetched.CreatedAt.Equal(loan.CreatedAt) {
				t.Errorf("Expected CreatedAt %s, got %s", loan.CreatedAt, fetched.CreatedAt)
			}

			if _, err := s.GetLoan(ctx, uuid.New()); !errors.Is(err, ErrNotFound) {
				t.Errorf("Expected ErrNotFound for unknown loan, got %v", err)
			}
		})
	}
}

func TestSQLiteStore_UpdateLoanVersionCheck(t *testing.T) {
	for _, driver := range drivers {
		t.Run(driver, func(t *testing.T) {
			s := newTestStore(t, driver)
			ctx := context.Background()
			loan := newTestLoan("user-1")
			if err := s.CreateLoan(ctx, loan); err != nil {
				t.Fatalf("Failed to create loan: %v", err)
			}

			stale, _ := s.GetLoan(ctx, loan.ID)

			loan.Title = "Renamed"
			if err := s.UpdateLoan(ctx, loan); err != nil {
				t.Fatalf("Failed to update loan: %v", err)
			}
			if loan.Version != 2 {
				t.Errorf("Expected Version 2 after update, got %d", loan.Version)
			}

			stale.Title = "Lost update"
			if err := s.UpdateLoan(ctx, stale); !errors.Is(err, ErrConflict) {
				t.Errorf("Expected ErrConflict for stale version, got %v", err)
			}

			missing := newTestLoan("user-1")
			if err := s.UpdateLoan(ctx, missing); !errors.Is(err, ErrNotFound) {
				t.Errorf("Expected ErrNotFound for missing loan, got %v", err)
			}

			fetched, _ := s.GetLoan(ctx, loan.ID)
			if fetched.Title != "Renamed" {
				t.Errorf("Expected Title Renamed, got %s", fetched.Title)
			}
		})
	}
}

func TestSQLiteStore_Repayments(t *testing.T) {
	for _, driver := range drivers {
		t.Run(driver, func(t *testing.T) {
			s := newTestStore(t, driver)
			ctx := context.Background()

			loan := newTestLoan("user-1")
			// Must create loan first due to foreign key
			if err := s.CreateLoan(ctx, loan); err != nil {
				t.Fatalf("Failed to create loan: %v", err)
			}

			first := newTestRepayment(loan, "500", models.NewDate(2024, time.February, 15))
			second := newTestRepayment(loan, "600", models.NewDate(2024, time.March, 15))

			var seen int
			for _, r := range []*models.Repayment{first, second} {
				_, err := s.RecordRepayment(ctx, r, func(l *models.Loan, rs []*models.Repayment) error {
					seen = len(rs)
					return nil
				})
				if err != nil {
					t.Fatalf("Failed to record repayment: %v", err)
				}
			}
			if seen != 2 {
				t.Errorf("Expected apply to see 2 repayments, saw %d", seen)
			}

			rs, err := s.ListRepaymentsForLoan(ctx, loan.ID)
			if err != nil {
				t.Fatalf("Failed to list repayments: %v", err)
			}
			if len(rs) != 2 {
				t.Fatalf("Expected 2 repayments, got %d", len(rs))
			}
			if rs[0].ID != second.ID {
				t.Errorf("Expected newest payment first")
			}
			if !rs[1].Amount.Equal(first.Amount) {
				t.Errorf("Expected amount %s, got %s", first.Amount, rs[1].Amount)
			}

			byOwner, err := s.ListRepaymentsByOwner(ctx, "user-1")
			if err != nil {
				t.Fatalf("Failed to list repayments by owner: %v", err)
			}
			if len(byOwner) != 2 {
				t.Errorf("Expected 2 repayments for owner, got %d", len(byOwner))
			}
		})
	}
}

func TestSQLiteStore_RecordRepaymentAppliesStatus(t *testing.T) {
	s := newTestStore(t, DriverCGO)
	ctx := context.Background()
	loan := newTestLoan("user-1")
	if err := s.CreateLoan(ctx, loan); err != nil {
		t.Fatalf("Failed to create loan: %v", err)
	}

	updated, err := s.RecordRepayment(ctx, newTestRepayment(loan, "12393.57", models.NewDate(2024, time.June, 1)),
		func(l *models.Loan, rs []*models.Repayment) error {
			l.Status = models.LoanStatusPaid
			return nil
		})
	if err != nil {
		t.Fatalf("Failed to record repayment: %v", err)
	}
	if updated.Status != models.LoanStatusPaid {
		t.Errorf("Expected returned status paid, got %s", updated.Status)
	}

	fetched, _ := s.GetLoan(ctx, loan.ID)
	if fetched.Status != models.LoanStatusPaid {
		t.Errorf("Expected stored status paid, got %s", fetched.Status)
	}
	if fetched.Version != 2 {
		t.Errorf("Expected Version 2, got %d", fetched.Version)
	}
}

func TestSQLiteStore_RecordRepaymentRollsBack(t *testing.T) {
	s := newTestStore(t, DriverCGO)
	ctx := context.Background()
	loan := newTestLoan("user-1")
	if err := s.CreateLoan(ctx, loan); err != nil {
		t.Fatalf("Failed to create loan: %v", err)
	}

	refused := errors.New("refused")
	_, err := s.RecordRepayment(ctx, newTestRepayment(loan, "10", models.NewDate(2024, time.June, 1)),
		func(*models.Loan, []*models.Repayment) error { return refused })
	if !errors.Is(err, refused) {
		t.Fatalf("Expected apply error, got %v", err)
	}

	rs, _ := s.ListRepaymentsForLoan(ctx, loan.ID)
	if len(rs) != 0 {
		t.Errorf("Expected rollback to leave no repayments, got %d", len(rs))
	}

	orphan := newTestRepayment(newTestLoan("user-1"), "10", models.NewDate(2024, time.June, 1))
	if _, err := s.RecordRepayment(ctx, orphan, noop); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound for repayment on missing loan, got %v", err)
	}
}

func TestSQLiteStore_DeleteLoanCascades(t *testing.T) {
	s := newTestStore(t, DriverPureGo)
	ctx := context.Background()
	loan := newTestLoan("user-1")
	if err := s.CreateLoan(ctx, loan); err != nil {
		t.Fatalf("Failed to create loan: %v", err)
	}
	if _, err := s.RecordRepayment(ctx, newTestRepayment(loan, "10", models.NewDate(2024, time.June, 1)), noop); err != nil {
		t.Fatalf("Failed to record repayment: %v", err)
	}

	if err := s.DeleteLoan(ctx, loan.ID); err != nil {
		t.Fatalf("Failed to delete loan: %v", err)
	}
	rs, _ := s.ListRepaymentsForLoan(ctx, loan.ID)
	if len(rs) != 0 {
		t.Errorf("Expected repayments to be deleted, got %d", len(rs))
	}
	if err := s.DeleteLoan(ctx, loan.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound on second delete, got %v", err)
	}
}

func TestSQLiteStore_ListLoansByOwner(t *testing.T) {
	s := newTestStore(t, DriverCGO)
	ctx := context.Background()
	for _, owner := range []string{"alice", "alice", "bob"} {
		if err := s.CreateLoan(ctx, newTestLoan(owner)); err != nil {
			t.Fatalf("Failed to create loan: %v", err)
		}
	}

	loans, err := s.ListLoansByOwner(ctx, "alice")
	if err != nil {
		t.Fatalf("Failed to list loans: %v", err)
	}
	if len(loans) != 2 {
		t.Errorf("Expected 2 loans for alice, got %d", len(loans))
	}
	for _, l := range loans {
		if l.Owner != "alice" {
			t.Errorf("Expected owner alice, got %s", l.Owner)
		}
	}
}

func TestSQLiteStore_ListLoansNewestFirstWithinSecond(t *testing.T) {
	s := newTestStore(t, DriverCGO)
	ctx := context.Background()
	base := time.Date(2024, time.March, 1, 10, 0, 5, 0, time.UTC)

	var titles []string
	for i, offset := range []time.Duration{0, 100 * time.Millisecond, 900 * time.Millisecond} {
		loan := newTestLoan("alice")
		loan.Title = []string{"whole second", "tenth", "nine tenths"}[i]
		loan.CreatedAt = base.Add(offset)
		loan.UpdatedAt = loan.CreatedAt
		if err := s.CreateLoan(ctx, loan); err != nil {
			t.Fatalf("Failed to create loan: %v", err)
		}
		titles = append(titles, loan.Title)
	}

	loans, err := s.ListLoansByOwner(ctx, "alice")
	if err != nil {
		t.Fatalf("Failed to list loans: %v", err)
	}
	if len(loans) != 3 {
		t.Fatalf("Expected 3 loans, got %d", len(loans))
	}
	want := []string{titles[2], titles[1], titles[0]}
	for i, l := range loans {
		if l.Title != want[i] {
			t.Errorf("Position %d: expected %q, got %q", i, want[i], l.Title)
		}
	}
	if !loans[2].CreatedAt.Equal(base) {
		t.Errorf("Expected created_at %s to round-trip, got %s", base, loans[2].CreatedAt)
	}
}

func TestParseTime_AcceptsTrimmedFraction(t *testing.T) {
	got, err := parseTime("2024-03-01T10:00:05.1Z")
	if err != nil {
		t.Fatalf("Failed to parse: %v", err)
	}
	if !got.Equal(time.Date(2024, time.March, 1, 10, 0, 5, 100000000, time.UTC)) {
		t.Errorf("Unexpected time %s", got)
	}
	if formatTime(got) != "2024-03-01T10:00:05.100000000Z" {
		t.Errorf("Expected fixed-width format, got %s", formatTime(got))
	}
}

func TestSQLiteStore_Users(t *testing.T) {
	for _, driver := range drivers {
		t.Run(driver, func(t *testing.T) {
			s := newTestStore(t, driver)
			ctx := context.Background()
			user := &models.User{
				ID:               uuid.NewString(),
				Email:            "ada@example.com",
				FullName:         "ADA LOVELACE",
				PasswordHash:     "hash",
				ConfirmationCode: "123456",
				CreatedAt:        time.Now(),
			}
			if err := s.CreateUser(ctx, user); err != nil {
				t.Fatalf("Failed to create user: %v", err)
			}

			dup := *user
			dup.ID = uuid.NewString()
			if err := s.CreateUser(ctx, &dup); !errors.Is(err, ErrDuplicate) {
				t.Errorf("Expected ErrDuplicate for repeated email, got %v", err)
			}

			user.Confirmed = true
			user.ConfirmationCode = ""
			if err := s.UpdateUser(ctx, user); err != nil {
				t.Fatalf("Failed to update user: %v", err)
			}

			fetched, err := s.GetUserByEmail(ctx, "ada@example.com")
			if err != nil {
				t.Fatalf("Failed to get user: %v", err)
			}
			if !fetched.Confirmed || fetched.ConfirmationCode != "" {
				t.Errorf("Expected confirmed user without code, got %+v", fetched)
			}

			if _, err := s.GetUser(ctx, "nobody"); !errors.Is(err, ErrNotFound) {
				t.Errorf("Expected ErrNotFound for unknown user, got %v", err)
			}
		})
	}
}

func TestSQLiteStore_RevokedTokens(t *testing.T) {
	s := newTestStore(t, DriverCGO)
	ctx := context.Background()

	revoked, err := s.IsTokenRevoked(ctx, "jti-1")
	if err != nil || revoked {
		t.Fatalf("Expected fresh token to be valid, got revoked=%v err=%v", revoked, err)
	}
	if err := s.RevokeToken(ctx, "jti-1", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("Failed to revoke token: %v", err)
	}
	if err := s.RevokeToken(ctx, "jti-1", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("Revoking twice should be harmless: %v", err)
	}
	revoked, err = s.IsTokenRevoked(ctx, "jti-1")
	if err != nil || !revoked {
		t.Errorf("Expected token to be revoked, got revoked=%v err=%v", revoked, err)
	}
}

func TestDSN(t *testing.T) {
	if _, err := dsn("postgres", "x.db", time.Second); err == nil {
		t.Error("Expected error for unsupported driver")
	}
	got, err := dsn(DriverCGO, "file:x.db?cache=shared", time.Second)
	if err != nil {
		t.Fatalf("dsn failed: %v", err)
	}
	want := "file:x.db?cache=shared&_foreign_keys=on&_journal_mode=WAL&_txlock=immediate&_busy_timeout=1000"
	if got != want {
		t.Errorf("dsn = %q, want %q", got, want)
	}
}
