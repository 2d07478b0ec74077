// Package reconcile drives upstream account membership toward the desired
// set: one pass fetches actual members, deletes unauthorized and overflow
// seats, and kicks off a background sweep of stale pending invites.
package reconcile

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"seatguard/internal/engine/invites"
	"seatguard/internal/engine/upstream"
	"seatguard/internal/pkg/validator"
	"seatguard/internal/platform/audit"
	"seatguard/internal/platform/models"
)

// AdminMemberID is the sentinel identifier for the synthesized admin entry in
// outcome member lists. The admin seat is implicit upstream; surfacing it as
// a member keeps counts and displays uniform.
const AdminMemberID = "admin"

const cleanupTimeout = 2 * time.Minute

// AccountStore is the slice of the account repository the reconciler needs.
type AccountStore interface {
	MarkError(id, status, message string) error
	MarkActive(id string) error
	SetUpstreamID(id, upstreamID string) error
}

// Auditor records engine-initiated deletions. May be nil.
type Auditor interface {
	Record(accountID, action, target string, metadata map[string]interface{})
}

type Outcome struct {
	Success             bool              `json:"success"`
	Status              string            `json:"status"`
	Members             []upstream.Member `json:"members"`
	MembersCount        int               `json:"members_count"`
	UnauthorizedDeleted int               `json:"unauthorized_deleted"`
	OverflowEvicted     int               `json:"overflow_evicted"`
	PendingCleaned      int               `json:"pending_cleaned"`
	NextRun             time.Duration     `json:"next_run_seconds,omitempty"`
	Error               string            `json:"error,omitempty"`
}

type Reconciler struct {
	client   *upstream.Client
	invites  *invites.Service
	accounts AccountStore
	auditor  Auditor
}

func NewReconciler(client *upstream.Client, inviteSvc *invites.Service, accounts AccountStore, auditor Auditor) *Reconciler {
	return &Reconciler{
		client:   client,
		invites:  inviteSvc,
		accounts: accounts,
		auditor:  auditor,
	}
}

// Run executes one reconciliation pass. It never returns an error: every
// failure is folded into the outcome and the account's persisted status, so
// a scheduled run can never kill the account's recurring schedule.
func (r *Reconciler) Run(ctx context.Context, account *models.Account) *Outcome {
	logger := log.With().Str("account_id", account.ID).Str("admin", account.AdminEmail).Logger()

	upstreamID := account.UpstreamID
	if upstreamID == "" {
		resolved, err := r.client.ResolveAccountID(ctx, account.AccessToken)
		if err != nil {
			logger.Warn().Err(err).Msg("failed to resolve upstream account id")
			return r.fail(account, err)
		}
		upstreamID = resolved
		if err := r.accounts.SetUpstreamID(account.ID, upstreamID); err != nil {
			logger.Error().Err(err).Msg("failed to persist upstream account id")
		}
	}

	members, _, err := r.client.FetchMembers(ctx, upstreamID, account.AccessToken)
	if err != nil {
		logger.Warn().Err(err).Msg("member fetch failed")
		return r.fail(account, err)
	}

	adminEmail := validator.NormalizeEmail(account.AdminEmail)
	var unauthorized, authorized []upstream.Member
	for _, member := range members {
		email := validator.NormalizeEmail(member.Email)
		if email == "" || email == adminEmail {
			continue
		}
		if validator.Contains(account.DesiredMembers, email) {
			authorized = append(authorized, member)
		} else {
			unauthorized = append(unauthorized, member)
		}
	}

	outcome := &Outcome{Success: true, Status: models.StatusActive}

	for _, member := range unauthorized {
		if err := r.client.DeleteMember(ctx, upstreamID, member.ID, account.AccessToken); err != nil {
			logger.Warn().Err(err).Str("email", member.Email).Msg("failed to delete unauthorized member")
			continue
		}
		outcome.UnauthorizedDeleted++
		if r.auditor != nil {
			r.auditor.Record(account.ID, audit.ActionMemberRemoved, member.Email, nil)
		}
	}

	authorized = r.evictOverflow(ctx, account, upstreamID, authorized, outcome, logger)

	// Invite cleanup is detached: it is idempotent and self-correcting on
	// the next cycle, so its outcome never gates this pass.
	go r.cleanupInvites(account, upstreamID)

	if account.Status != models.StatusActive {
		if err := r.accounts.MarkActive(account.ID); err != nil {
			logger.Error().Err(err).Msg("failed to reset account status")
		}
	}

	sort.Slice(authorized, func(i, j int) bool {
		return authorized[i].CreatedAt.Before(authorized[j].CreatedAt)
	})

	final := make([]upstream.Member, 0, len(authorized)+1)
	final = append(final, upstream.Member{ID: AdminMemberID, Email: account.AdminEmail, IsAdmin: true})
	final = append(final, authorized...)
	outcome.Members = final
	outcome.MembersCount = len(final)

	logger.Info().
		Int("members", outcome.MembersCount).
		Int("unauthorized_deleted", outcome.UnauthorizedDeleted).
		Int("overflow_evicted", outcome.OverflowEvicted).
		Msg("reconciliation pass complete")

	return outcome
}

// evictOverflow enforces the seat limit: max_members plus the admin seat.
// When over, the newest authorized members are deleted first; the earliest
// grants are treated as the legitimately provisioned ones.
func (r *Reconciler) evictOverflow(ctx context.Context, account *models.Account, upstreamID string, authorized []upstream.Member, outcome *Outcome, logger zerolog.Logger) []upstream.Member {
	limit := account.MaxMembers + 1
	total := 1 + len(authorized)
	if total <= limit {
		return authorized
	}

	excess := total - limit
	sorted := append([]upstream.Member(nil), authorized...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].CreatedAt.After(sorted[j].CreatedAt)
	})

	logger.Warn().Int("total", total).Int("limit", limit).Int("excess", excess).Msg("seat limit exceeded, evicting newest members")

	for _, member := range sorted[:excess] {
		if err := r.client.DeleteMember(ctx, upstreamID, member.ID, account.AccessToken); err != nil {
			logger.Warn().Err(err).Str("email", member.Email).Msg("failed to evict overflow member")
			continue
		}
		outcome.OverflowEvicted++
		if r.auditor != nil {
			r.auditor.Record(account.ID, audit.ActionOverflowEvicted, member.Email, map[string]interface{}{
				"created_at": member.CreatedAt,
			})
		}
	}

	return sorted[excess:]
}

func (r *Reconciler) cleanupInvites(account *models.Account, upstreamID string) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	result, err := r.invites.Cleanup(ctx, upstreamID, account.AccessToken, account.DesiredMembers)
	if err != nil {
		log.Warn().Err(err).Str("account_id", account.ID).Msg("background invite cleanup failed")
		return
	}
	if len(result.Deleted) > 0 {
		log.Info().Str("account_id", account.ID).Strs("deleted", result.Deleted).Msg("background invite cleanup removed stale invites")
		if r.auditor != nil {
			for _, email := range result.Deleted {
				r.auditor.Record(account.ID, audit.ActionInviteRevoked, email, nil)
			}
		}
	}
}

func (r *Reconciler) fail(account *models.Account, err error) *Outcome {
	status := models.StatusError
	if errors.Is(err, upstream.ErrSessionExpired) {
		status = models.StatusExpired
	}

	if dbErr := r.accounts.MarkError(account.ID, status, err.Error()); dbErr != nil {
		log.Error().Err(dbErr).Str("account_id", account.ID).Msg("failed to persist account error status")
	}

	return &Outcome{
		Success: false,
		Status:  status,
		Error:   err.Error(),
	}
}
