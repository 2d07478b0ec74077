package repositories

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"seatguard/internal/platform/models"
)

type UserRepository struct {
	db *sql.DB
}

func NewUserRepository(db *sql.DB) *UserRepository {
	return &UserRepository{db: db}
}

func (r *UserRepository) Create(user *models.User) error {
	_, err := r.db.Exec(`
		INSERT INTO users (id, email, password_hash, full_name, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, user.ID, user.Email, user.PasswordHash, user.FullName, user.CreatedAt, user.UpdatedAt)
	return err
}

func (r *UserRepository) GetByID(id string) (*models.User, error) {
	user := &models.User{}
	err := r.db.QueryRow(`
		SELECT id, email, password_hash, full_name, created_at, updated_at
		FROM users WHERE id = ?
	`, id).Scan(&user.ID, &user.Email, &user.PasswordHash, &user.FullName, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return user, nil
}

func (r *UserRepository) GetByEmail(email string) (*models.User, error) {
	user := &models.User{}
	err := r.db.QueryRow(`
		SELECT id, email, password_hash, full_name, created_at, updated_at
		FROM users WHERE email = ?
	`, email).Scan(&user.ID, &user.Email, &user.PasswordHash, &user.FullName, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return user, nil
}

type AccountRepository struct {
	db *sql.DB
}

func NewAccountRepository(db *sql.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

// ListOptions narrows and orders ListByUser results. SortBy and SortDir are
// matched against a whitelist; anything else falls back to created_at DESC.
type ListOptions struct {
	Search        string
	SortBy        string
	SortDir       string
	CreatedAfter  int64
	CreatedBefore int64
	Limit         int
	Offset        int
}

const accountColumns = `id, user_id, name, admin_email, upstream_id, access_token,
	desired_members, max_members, status, last_error, last_error_at, error_count,
	created_at, updated_at`

func (r *AccountRepository) Create(account *models.Account) error {
	desired, err := json.Marshal(account.DesiredMembers)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(`
		INSERT INTO accounts (id, user_id, name, admin_email, upstream_id, access_token,
			desired_members, max_members, status, last_error, error_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, account.ID, account.UserID, account.Name, account.AdminEmail, account.UpstreamID,
		account.AccessToken, string(desired), account.MaxMembers, account.Status,
		account.LastError, account.ErrorCount, account.CreatedAt, account.UpdatedAt)
	return err
}

func (r *AccountRepository) GetByID(id string) (*models.Account, error) {
	row := r.db.QueryRow(`SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
	return scanAccount(row)
}

func (r *AccountRepository) GetForUser(id, userID string) (*models.Account, error) {
	row := r.db.QueryRow(`SELECT `+accountColumns+` FROM accounts WHERE id = ? AND user_id = ?`, id, userID)
	return scanAccount(row)
}

func (r *AccountRepository) ListByUser(userID string, opts ListOptions) ([]*models.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE user_id = ?`
	args := []interface{}{userID}

	if opts.Search != "" {
		query += ` AND (name LIKE ? OR admin_email LIKE ?)`
		pattern := "%" + opts.Search + "%"
		args = append(args, pattern, pattern)
	}
	if opts.CreatedAfter > 0 {
		query += ` AND created_at >= ?`
		args = append(args, opts.CreatedAfter)
	}
	if opts.CreatedBefore > 0 {
		query += ` AND created_at <= ?`
		args = append(args, opts.CreatedBefore)
	}

	sortBy := "created_at"
	switch opts.SortBy {
	case "name", "admin_email", "status", "created_at":
		sortBy = opts.SortBy
	}
	sortDir := "DESC"
	if opts.SortDir == "asc" {
		sortDir = "ASC"
	}
	query += fmt.Sprintf(" ORDER BY %s %s", sortBy, sortDir)

	if opts.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, opts.Limit, opts.Offset)
	}

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []*models.Account
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, account)
	}
	return accounts, rows.Err()
}

// ListAllByUser returns every account the user owns, oldest first. The
// scheduler staggers first runs by list position, so the order is stable.
func (r *AccountRepository) ListAllByUser(userID string) ([]*models.Account, error) {
	return r.ListByUser(userID, ListOptions{SortBy: "created_at", SortDir: "asc"})
}

func (r *AccountRepository) CountByUser(userID string) (int, error) {
	var count int
	err := r.db.QueryRow(`SELECT COUNT(*) FROM accounts WHERE user_id = ?`, userID).Scan(&count)
	return count, err
}

// All returns every account regardless of owner. Used by maintenance sweeps.
func (r *AccountRepository) All() ([]*models.Account, error) {
	rows, err := r.db.Query(`SELECT ` + accountColumns + ` FROM accounts ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []*models.Account
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, account)
	}
	return accounts, rows.Err()
}

func (r *AccountRepository) UpdateDesiredMembers(id string, emails []string) error {
	desired, err := json.Marshal(emails)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(`
		UPDATE accounts SET desired_members = ?, updated_at = ? WHERE id = ?
	`, string(desired), time.Now().Unix(), id)
	return err
}

func (r *AccountRepository) SetUpstreamID(id, upstreamID string) error {
	_, err := r.db.Exec(`
		UPDATE accounts SET upstream_id = ?, updated_at = ? WHERE id = ?
	`, upstreamID, time.Now().Unix(), id)
	return err
}

// MarkError records a failed reconciliation pass: status transition plus error
// bookkeeping in one statement.
func (r *AccountRepository) MarkError(id, status, message string) error {
	now := time.Now().Unix()
	_, err := r.db.Exec(`
		UPDATE accounts
		SET status = ?, last_error = ?, last_error_at = ?, error_count = error_count + 1, updated_at = ?
		WHERE id = ?
	`, status, message, now, now, id)
	return err
}

func (r *AccountRepository) MarkActive(id string) error {
	now := time.Now().Unix()
	_, err := r.db.Exec(`
		UPDATE accounts
		SET status = ?, last_error = '', last_error_at = NULL, error_count = 0, updated_at = ?
		WHERE id = ?
	`, models.StatusActive, now, id)
	return err
}

func (r *AccountRepository) Delete(id, userID string) (bool, error) {
	res, err := r.db.Exec(`DELETE FROM accounts WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func scanAccount(s interface {
	Scan(dest ...interface{}) error
}) (*models.Account, error) {
	var account models.Account
	var desiredRaw []byte
	var lastErrorAt sql.NullInt64

	err := s.Scan(
		&account.ID,
		&account.UserID,
		&account.Name,
		&account.AdminEmail,
		&account.UpstreamID,
		&account.AccessToken,
		&desiredRaw,
		&account.MaxMembers,
		&account.Status,
		&account.LastError,
		&lastErrorAt,
		&account.ErrorCount,
		&account.CreatedAt,
		&account.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}

	if lastErrorAt.Valid {
		val := lastErrorAt.Int64
		account.LastErrorAt = &val
	}
	if len(desiredRaw) > 0 {
		json.Unmarshal(desiredRaw, &account.DesiredMembers)
	}
	if account.DesiredMembers == nil {
		account.DesiredMembers = []string{}
	}

	return &account, nil
}
