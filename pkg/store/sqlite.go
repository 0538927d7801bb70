package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/loansyncro/pkg/models"
	"go.uber.org/zap"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

const (
	// DriverCGO is the mattn/go-sqlite3 driver.
	DriverCGO = "sqlite3"
	// DriverPureGo is the modernc.org/sqlite driver, usable with CGO_ENABLED=0.
	DriverPureGo = "sqlite"

	// timeLayout is fixed width so stored timestamps sort as text.
	timeLayout = "2006-01-02T15:04:05.000000000Z07:00"
)

// SQLiteStore manages the database connection and operations for SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// dsn appends the connection parameters each driver needs so that foreign
// keys, WAL and immediate write transactions hold on every pooled connection.
func dsn(driver, path string, busyTimeout time.Duration) (string, error) {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	ms := busyTimeout.Milliseconds()
	switch driver {
	case DriverCGO:
		return fmt.Sprintf("%s%s_foreign_keys=on&_journal_mode=WAL&_txlock=immediate&_busy_timeout=%d", path, sep, ms), nil
	case DriverPureGo:
		return fmt.Sprintf("%s%s_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_txlock=immediate", path, sep, ms), nil
	}
	return "", fmt.Errorf("unsupported sqlite driver %q", driver)
}

// NewSQLiteStore opens the database at path with the named driver and
// initializes the schema.
func NewSQLiteStore(driver, path string, busyTimeout time.Duration, logger *zap.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	source, err := dsn(driver, path, busyTimeout)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driver, source)
	if err != nil {
		return nil, fmt.Errorf("could not open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not connect to database: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not initialize schema: %w", err)
	}
	logger.Info("database connection established and schema initialized",
		zap.String("driver", driver), zap.String("path", path))
	return s, nil
}

// initSchema creates the tables if they don't already exist and adds columns
// introduced after the first release. Decimals are stored as TEXT so no
// precision is lost.
func (s *SQLiteStore) initSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		email TEXT NOT NULL UNIQUE,
		full_name TEXT NOT NULL,
		password_hash TEXT NOT NULL,
		confirmed INTEGER NOT NULL DEFAULT 0,
		confirmation_code TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS loans (
		id TEXT PRIMARY KEY,
		owner TEXT NOT NULL,
		title TEXT NOT NULL,
		principal TEXT NOT NULL,
		interest_rate TEXT NOT NULL,
		term_months INTEGER NOT NULL,
		start_date TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		monthly_payment TEXT NOT NULL,
		total_payable TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_loans_owner ON loans(owner);
	CREATE TABLE IF NOT EXISTS repayments (
		id TEXT PRIMARY KEY,
		loan_id TEXT NOT NULL,
		owner TEXT NOT NULL,
		amount TEXT NOT NULL,
		payment_date TEXT NOT NULL,
		notes TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		FOREIGN KEY(loan_id) REFERENCES loans(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_repayments_loan ON repayments(loan_id);
	CREATE INDEX IF NOT EXISTS idx_repayments_owner ON repayments(owner);
	CREATE TABLE IF NOT EXISTS revoked_tokens (
		jti TEXT PRIMARY KEY,
		expires_at TEXT NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	columns := []string{
		"version INTEGER NOT NULL DEFAULT 1",
	}
	for _, col := range columns {
		_, err := s.db.Exec(fmt.Sprintf("ALTER TABLE loans ADD COLUMN %s", col))
		if err != nil && !isDuplicateColumnError(err) {
			return fmt.Errorf("failed to add column %s: %w", col, err)
		}
	}
	return nil
}

func isDuplicateColumnError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "duplicate column name")
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid stored timestamp %q: %w", s, err)
	}
	return t, nil
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

const loanColumns = `id, owner, title, principal, interest_rate, term_months, start_date, description, monthly_payment, total_payable, status, created_at, updated_at, version`

func scanLoan(row rowScanner) (*models.Loan, error) {
	var loan models.Loan
	var idStr, status, created, updated string
	err := row.Scan(&idStr, &loan.Owner, &loan.Title, &loan.Principal, &loan.AnnualInterestRatePercent, &loan.TermMonths,
		&loan.StartDate, &loan.Description, &loan.MonthlyPayment, &loan.TotalPayable, &status, &created, &updated, &loan.Version)
	if err != nil {
		return nil, err
	}
	if loan.ID, err = uuid.Parse(idStr); err != nil {
		return nil, fmt.Errorf("invalid loan id %q: %w", idStr, err)
	}
	loan.Status = models.LoanStatus(status)
	if loan.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if loan.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &loan, nil
}

// CreateLoan inserts a new loan into the database.
func (s *SQLiteStore) CreateLoan(ctx context.Context, loan *models.Loan) error {
	if loan.Version == 0 {
		loan.Version = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO loans (`+loanColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		loan.ID.String(), loan.Owner, loan.Title, loan.Principal, loan.AnnualInterestRatePercent, loan.TermMonths,
		loan.StartDate, loan.Description, loan.MonthlyPayment, loan.TotalPayable, string(loan.Status),
		formatTime(loan.CreatedAt), formatTime(loan.UpdatedAt), loan.Version,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("loan %s: %w", loan.ID, ErrDuplicate)
		}
		return fmt.Errorf("failed to create loan: %w", err)
	}
	return nil
}

func getLoan(ctx context.Context, q queryer, id uuid.UUID) (*models.Loan, error) {
	row := q.QueryRowContext(ctx, `SELECT `+loanColumns+` FROM loans WHERE id = ?`, id.String())
	loan, err := scanLoan(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("loan %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get loan: %w", err)
	}
	return loan, nil
}

// GetLoan retrieves a loan by its ID.
func (s *SQLiteStore) GetLoan(ctx context.Context, id uuid.UUID) (*models.Loan, error) {
	return getLoan(ctx, s.db, id)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func updateLoan(ctx context.Context, db execer, q queryer, loan *models.Loan) error {
	result, err := db.ExecContext(ctx,
		`UPDATE loans SET title = ?, principal = ?, interest_rate = ?, term_months = ?, start_date = ?, description = ?,
			monthly_payment = ?, total_payable = ?, status = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		loan.Title, loan.Principal, loan.AnnualInterestRatePercent, loan.TermMonths, loan.StartDate, loan.Description,
		loan.MonthlyPayment, loan.TotalPayable, string(loan.Status), formatTime(loan.UpdatedAt),
		loan.ID.String(), loan.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update loan: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		// Distinguish a missing loan from a stale version.
		if _, err := getLoan(ctx, q, loan.ID); err != nil {
			return err
		}
		return fmt.Errorf("loan %s at version %d: %w", loan.ID, loan.Version, ErrConflict)
	}
	loan.Version++
	return nil
}

// UpdateLoan writes every mutable loan column, guarded by the loan's version.
func (s *SQLiteStore) UpdateLoan(ctx context.Context, loan *models.Loan) error {
	return updateLoan(ctx, s.db, s.db, loan)
}

// DeleteLoan removes a loan and its repayments within a transaction.
func (s *SQLiteStore) DeleteLoan(ctx context.Context, id uuid.UUID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err = tx.ExecContext(ctx, `DELETE FROM repayments WHERE loan_id = ?`, id.String()); err != nil {
		return fmt.Errorf("failed to delete associated repayments: %w", err)
	}

	result, err := tx.ExecContext(ctx, `DELETE FROM loans WHERE id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("failed to delete loan: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("loan %s: %w", id, ErrNotFound)
	}

	return tx.Commit()
}

// ListLoansByOwner retrieves a user's loans, newest first.
func (s *SQLiteStore) ListLoansByOwner(ctx context.Context, owner string) ([]*models.Loan, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+loanColumns+` FROM loans WHERE owner = ? ORDER BY created_at DESC`, owner)
	if err != nil {
		return nil, fmt.Errorf("failed to list loans: %w", err)
	}
	defer rows.Close()

	var loans []*models.Loan
	for rows.Next() {
		loan, err := scanLoan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan loan row: %w", err)
		}
		loans = append(loans, loan)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration: %w", err)
	}
	return loans, nil
}

const repaymentColumns = `id, loan_id, owner, amount, payment_date, notes, created_at`

func listRepayments(ctx context.Context, q queryer, query string, arg string) ([]*models.Repayment, error) {
	rows, err := q.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("failed to list repayments: %w", err)
	}
	defer rows.Close()

	var repayments []*models.Repayment
	for rows.Next() {
		var r models.Repayment
		var idStr, loanIDStr, created string
		if err := rows.Scan(&idStr, &loanIDStr, &r.Owner, &r.Amount, &r.PaymentDate, &r.Notes, &created); err != nil {
			return nil, fmt.Errorf("failed to scan repayment row: %w", err)
		}
		if r.ID, err = uuid.Parse(idStr); err != nil {
			return nil, fmt.Errorf("invalid repayment id %q: %w", idStr, err)
		}
		if r.LoanID, err = uuid.Parse(loanIDStr); err != nil {
			return nil, fmt.Errorf("invalid loan id %q: %w", loanIDStr, err)
		}
		if r.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		repayments = append(repayments, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration for repayments: %w", err)
	}
	return repayments, nil
}

// RecordRepayment inserts a repayment and lets apply update the loan from the
// same snapshot, all in one transaction. The loan update is version-checked,
// so a concurrent writer surfaces as ErrConflict instead of a lost update.
func (s *SQLiteStore) RecordRepayment(ctx context.Context, repayment *models.Repayment, apply RepaymentFunc) (*models.Loan, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	loan, err := getLoan(ctx, tx, repayment.LoanID)
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO repayments (`+repaymentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		repayment.ID.String(), repayment.LoanID.String(), repayment.Owner, repayment.Amount,
		repayment.PaymentDate, repayment.Notes, formatTime(repayment.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("repayment %s: %w", repayment.ID, ErrDuplicate)
		}
		return nil, fmt.Errorf("failed to create repayment: %w", err)
	}

	repayments, err := listRepayments(ctx, tx,
		`SELECT `+repaymentColumns+` FROM repayments WHERE loan_id = ? ORDER BY payment_date ASC, created_at ASC`,
		loan.ID.String())
	if err != nil {
		return nil, err
	}

	if err := apply(loan, repayments); err != nil {
		return nil, err
	}
	// Always bump the version so overlapping repayments on one loan conflict.
	if err := updateLoan(ctx, tx, tx, loan); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit repayment: %w", err)
	}
	return loan, nil
}

// ListRepaymentsForLoan retrieves a loan's repayments, newest payment first.
func (s *SQLiteStore) ListRepaymentsForLoan(ctx context.Context, loanID uuid.UUID) ([]*models.Repayment, error) {
	return listRepayments(ctx, s.db,
		`SELECT `+repaymentColumns+` FROM repayments WHERE loan_id = ? ORDER BY payment_date DESC, created_at DESC`,
		loanID.String())
}

// ListRepaymentsByOwner retrieves every repayment a user recorded, newest payment first.
func (s *SQLiteStore) ListRepaymentsByOwner(ctx context.Context, owner string) ([]*models.Repayment, error) {
	return listRepayments(ctx, s.db,
		`SELECT `+repaymentColumns+` FROM repayments WHERE owner = ? ORDER BY payment_date DESC, created_at DESC`,
		owner)
}

const userColumns = `id, email, full_name, password_hash, confirmed, confirmation_code, created_at`

func (s *SQLiteStore) getUser(ctx context.Context, where string, arg string) (*models.User, error) {
	var u models.User
	var created string
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE `+where+` = ?`, arg)
	err := row.Scan(&u.ID, &u.Email, &u.FullName, &u.PasswordHash, &u.Confirmed, &u.ConfirmationCode, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("user %s: %w", arg, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	if u.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	return &u, nil
}

// CreateUser inserts a user. Emails are unique.
func (s *SQLiteStore) CreateUser(ctx context.Context, user *models.User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (`+userColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		user.ID, user.Email, user.FullName, user.PasswordHash, user.Confirmed, user.ConfirmationCode, formatTime(user.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("user %s: %w", user.Email, ErrDuplicate)
		}
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	return s.getUser(ctx, "id", id)
}

func (s *SQLiteStore) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	return s.getUser(ctx, "email", email)
}

// UpdateUser writes the mutable user columns.
func (s *SQLiteStore) UpdateUser(ctx context.Context, user *models.User) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE users SET full_name = ?, password_hash = ?, confirmed = ?, confirmation_code = ? WHERE id = ?`,
		user.FullName, user.PasswordHash, user.Confirmed, user.ConfirmationCode, user.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("user %s: %w", user.ID, ErrNotFound)
	}
	return nil
}

// RevokeToken records a token id as revoked and prunes entries that have expired.
func (s *SQLiteStore) RevokeToken(ctx context.Context, tokenID string, expiresAt time.Time) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM revoked_tokens WHERE expires_at < ?`, formatTime(time.Now())); err != nil {
		return fmt.Errorf("failed to prune revoked tokens: %w", err)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO revoked_tokens (jti, expires_at) VALUES (?, ?)`,
		tokenID, formatTime(expiresAt),
	)
	if err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}
	return nil
}

func (s *SQLiteStore) IsTokenRevoked(ctx context.Context, tokenID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM revoked_tokens WHERE jti = ?`, tokenID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check token revocation: %w", err)
	}
	return n > 0, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
