package audit

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	ActionMemberRemoved   = "member_removed"
	ActionOverflowEvicted = "overflow_evicted"
	ActionInviteRevoked   = "invite_revoked"
	ActionInvitesSent     = "invites_sent"
)

type Entry struct {
	ID        string                 `json:"id"`
	AccountID string                 `json:"account_id"`
	Action    string                 `json:"action"`
	Target    string                 `json:"target"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt int64                  `json:"created_at"`
}

// Logger records engine-initiated actions (deletions, evictions, invite
// revocations) so operators can see what the reconciler did and when.
type Logger struct {
	db *sql.DB
}

func NewLogger(db *sql.DB) *Logger {
	return &Logger{db: db}
}

// Record inserts asynchronously; audit writes never block or fail an engine
// pass.
func (l *Logger) Record(accountID, action, target string, metadata map[string]interface{}) {
	entry := &Entry{
		ID:        "audit_" + uuid.NewString(),
		AccountID: accountID,
		Action:    action,
		Target:    target,
		Metadata:  metadata,
		CreatedAt: time.Now().Unix(),
	}

	metaJSON, _ := json.Marshal(metadata)

	go func() {
		_, err := l.db.Exec(`
			INSERT INTO audit_logs (id, account_id, action, target, metadata, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, entry.ID, entry.AccountID, entry.Action, entry.Target, string(metaJSON), entry.CreatedAt)
		if err != nil {
			log.Warn().Err(err).Str("action", action).Msg("audit insert failed")
		}
	}()
}

func (l *Logger) ListByAccount(accountID string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.Query(`
		SELECT id, account_id, action, target, metadata, created_at
		FROM audit_logs WHERE account_id = ?
		ORDER BY created_at DESC LIMIT ?
	`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		entry := &Entry{}
		var metaRaw []byte
		if err := rows.Scan(&entry.ID, &entry.AccountID, &entry.Action, &entry.Target, &metaRaw, &entry.CreatedAt); err != nil {
			return nil, err
		}
		if len(metaRaw) > 0 {
			json.Unmarshal(metaRaw, &entry.Metadata)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
