// Package invites manages the lifecycle of outstanding invitations on an
// upstream account: sending, listing, revoking and the grace-period-aware
// cleanup sweep.
package invites

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"seatguard/internal/engine/upstream"
	"seatguard/internal/pkg/validator"
)

const (
	// DefaultGracePeriod protects an invite sent moments ago from a cleanup
	// pass racing the desired-set write that authorizes it.
	DefaultGracePeriod = 5 * time.Minute
	// DefaultDeletePause spaces out invite deletions so a batch does not
	// look like a burst to upstream throttling.
	DefaultDeletePause = 500 * time.Millisecond
)

type Service struct {
	client      *upstream.Client
	gracePeriod time.Duration
	deletePause time.Duration
	now         func() time.Time
}

func NewService(client *upstream.Client, gracePeriod, deletePause time.Duration) *Service {
	if gracePeriod <= 0 {
		gracePeriod = DefaultGracePeriod
	}
	if deletePause < 0 {
		deletePause = DefaultDeletePause
	}
	return &Service{
		client:      client,
		gracePeriod: gracePeriod,
		deletePause: deletePause,
		now:         time.Now,
	}
}

func (s *Service) Send(ctx context.Context, accountID, token string, emails []string, resend bool) (int, error) {
	result, err := s.client.SendInvites(ctx, accountID, token, emails, resend)
	if err != nil {
		return 0, err
	}
	return result.InvitedCount, nil
}

func (s *Service) ListPending(ctx context.Context, accountID, token string) ([]upstream.PendingInvite, int, error) {
	return s.client.ListPendingInvites(ctx, accountID, token)
}

func (s *Service) DeletePending(ctx context.Context, accountID, token, email string) error {
	return s.client.DeletePendingInvite(ctx, accountID, token, email)
}

type CleanupFailure struct {
	Email string `json:"email"`
	Error string `json:"error"`
}

type CleanupResult struct {
	Deleted []string         `json:"deleted"`
	Failed  []CleanupFailure `json:"failed"`
	Kept    int              `json:"kept"`
}

// Cleanup deletes pending invites that are not in the desired set and older
// than the grace period. Deletions are best-effort: one failure is recorded
// and the batch continues.
func (s *Service) Cleanup(ctx context.Context, accountID, token string, desired []string) (*CleanupResult, error) {
	pending, _, err := s.client.ListPendingInvites(ctx, accountID, token)
	if err != nil {
		return nil, err
	}

	result := &CleanupResult{Deleted: []string{}, Failed: []CleanupFailure{}}
	now := s.now()

	var stale []upstream.PendingInvite
	for _, invite := range pending {
		if validator.Contains(desired, invite.Email) {
			result.Kept++
			continue
		}
		if !invite.CreatedAt.IsZero() && now.Sub(invite.CreatedAt) < s.gracePeriod {
			log.Debug().
				Str("account_id", accountID).
				Str("email", invite.Email).
				Dur("age", now.Sub(invite.CreatedAt)).
				Msg("invite within grace period, keeping")
			result.Kept++
			continue
		}
		stale = append(stale, invite)
	}

	for i, invite := range stale {
		if err := s.client.DeletePendingInvite(ctx, accountID, token, invite.Email); err != nil {
			log.Warn().Err(err).
				Str("account_id", accountID).
				Str("email", invite.Email).
				Msg("failed to delete pending invite")
			result.Failed = append(result.Failed, CleanupFailure{Email: invite.Email, Error: err.Error()})
			continue
		}
		result.Deleted = append(result.Deleted, invite.Email)

		if i < len(stale)-1 && s.deletePause > 0 {
			select {
			case <-time.After(s.deletePause):
			case <-ctx.Done():
				return result, ctx.Err()
			}
		}
	}

	return result, nil
}
