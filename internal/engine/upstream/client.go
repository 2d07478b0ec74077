// Package upstream implements the HTTP client for the collaboration
// platform's member and invitation API. Every call rotates a browser
// fingerprint, retries transient failures with linear backoff and classifies
// the platform's failure codes into typed errors.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"
)

var (
	// ErrSessionExpired maps HTTP 401: the account's credential needs a
	// re-login. Never retried within a pass.
	ErrSessionExpired = errors.New("upstream session expired")
	// ErrInvalidAccount maps HTTP 422: the upstream account identifier is
	// wrong or the credential does not belong to it.
	ErrInvalidAccount = errors.New("upstream account invalid")
)

const (
	defaultListLimit = 25
	inviteListLimit  = 100
	roleStandardUser = "standard-user"
)

type Member struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"created_at"`
	IsAdmin   bool      `json:"is_admin,omitempty"`
}

type PendingInvite struct {
	Email     string    `json:"email"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

type Config struct {
	BaseURL     string
	SessionURL  string
	MaxAttempts int
	Backoff     time.Duration
	Timeout     time.Duration
}

type Client struct {
	baseURL     string
	sessionURL  string
	maxAttempts int
	backoffStep time.Duration
	http        *http.Client

	mu  sync.Mutex
	rng *rand.Rand
}

func NewClient(cfg Config) *Client {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		baseURL:     cfg.BaseURL,
		sessionURL:  cfg.SessionURL,
		maxAttempts: cfg.MaxAttempts,
		backoffStep: cfg.Backoff,
		http:        &http.Client{Timeout: cfg.Timeout},
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (c *Client) profile() browserProfile {
	c.mu.Lock()
	defer c.mu.Unlock()
	return randomProfile(c.rng)
}

// FetchMembers lists current seat holders for an account. The admin is not
// marked in the upstream response; callers compare emails.
func (c *Client) FetchMembers(ctx context.Context, accountID, token string) ([]Member, int, error) {
	endpoint := fmt.Sprintf("%s/%s/users?offset=0&limit=%d&query=", c.baseURL, url.PathEscape(accountID), defaultListLimit)

	var wire memberListResponse
	if err := c.doJSON(ctx, http.MethodGet, endpoint, accountID, token, nil, &wire); err != nil {
		return nil, 0, err
	}

	members := make([]Member, 0, len(wire.Items))
	for _, item := range wire.Items {
		members = append(members, item.toMember())
	}
	return members, wire.Total, nil
}

func (c *Client) DeleteMember(ctx context.Context, accountID, memberID, token string) error {
	endpoint := fmt.Sprintf("%s/%s/users/%s", c.baseURL, url.PathEscape(accountID), url.PathEscape(memberID))
	return c.doJSON(ctx, http.MethodDelete, endpoint, accountID, token, nil, nil)
}

type SendResult struct {
	InvitedCount int `json:"invited_count"`
}

func (c *Client) SendInvites(ctx context.Context, accountID, token string, emails []string, resend bool) (*SendResult, error) {
	endpoint := fmt.Sprintf("%s/%s/invites", c.baseURL, url.PathEscape(accountID))

	body, err := json.Marshal(map[string]interface{}{
		"email_addresses": emails,
		"role":            roleStandardUser,
		"resend_emails":   resend,
	})
	if err != nil {
		return nil, err
	}

	if err := c.doJSON(ctx, http.MethodPost, endpoint, accountID, token, body, nil); err != nil {
		return nil, err
	}
	return &SendResult{InvitedCount: len(emails)}, nil
}

func (c *Client) ListPendingInvites(ctx context.Context, accountID, token string) ([]PendingInvite, int, error) {
	endpoint := fmt.Sprintf("%s/%s/invites?offset=0&limit=%d&query=", c.baseURL, url.PathEscape(accountID), inviteListLimit)

	var wire inviteListResponse
	if err := c.doJSON(ctx, http.MethodGet, endpoint, accountID, token, nil, &wire); err != nil {
		return nil, 0, err
	}

	invites := make([]PendingInvite, 0, len(wire.Items))
	for _, item := range wire.Items {
		invites = append(invites, item.toInvite())
	}
	return invites, wire.Total, nil
}

func (c *Client) DeletePendingInvite(ctx context.Context, accountID, token, email string) error {
	endpoint := fmt.Sprintf("%s/%s/invites", c.baseURL, url.PathEscape(accountID))

	body, err := json.Marshal(map[string]string{"email_address": email})
	if err != nil {
		return err
	}
	return c.doJSON(ctx, http.MethodDelete, endpoint, accountID, token, body, nil)
}

// ResolveAccountID asks the session endpoint which upstream account the
// credential belongs to. Used when an account was registered without one.
func (c *Client) ResolveAccountID(ctx context.Context, token string) (string, error) {
	var wire sessionResponse
	if err := c.doJSON(ctx, http.MethodGet, c.sessionURL, "", token, nil, &wire); err != nil {
		return "", err
	}

	if wire.Account.AccountID != "" {
		return wire.Account.AccountID, nil
	}
	if len(wire.Accounts) > 0 && wire.Accounts[0].AccountID != "" {
		return wire.Accounts[0].AccountID, nil
	}
	return "", errors.New("no account id in session response")
}

// doJSON issues one logical call with the full retry budget. The request is
// rebuilt on every attempt so each one carries a fresh fingerprint.
func (c *Client) doJSON(ctx context.Context, method, endpoint, accountID, token string, body []byte, out interface{}) error {
	attempt := 0
	op := func() (struct{}, error) {
		attempt++
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}

		req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}

		req.Header.Set("accept", "*/*")
		req.Header.Set("authorization", "Bearer "+token)
		if accountID != "" {
			req.Header.Set("x-account-id", accountID)
		}
		if body != nil {
			req.Header.Set("content-type", "application/json")
		}
		c.profile().apply(req.Header)

		resp, err := c.http.Do(req)
		if err != nil {
			return struct{}{}, err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			if out != nil {
				if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
					return struct{}{}, backoff.Permanent(fmt.Errorf("decoding upstream response: %w", err))
				}
			}
			return struct{}{}, nil
		case resp.StatusCode == http.StatusTooManyRequests:
			log.Debug().Str("endpoint", endpoint).Int("attempt", attempt).Msg("upstream throttled, retrying")
			return struct{}{}, fmt.Errorf("upstream throttled (429)")
		case resp.StatusCode == http.StatusUnauthorized:
			return struct{}{}, backoff.Permanent(ErrSessionExpired)
		case resp.StatusCode == http.StatusUnprocessableEntity:
			detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return struct{}{}, backoff.Permanent(fmt.Errorf("%w: %s", ErrInvalidAccount, detail))
		default:
			detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return struct{}{}, fmt.Errorf("upstream HTTP %d: %s", resp.StatusCode, detail)
		}
	}

	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(&linearBackOff{step: c.backoffStep}),
		backoff.WithMaxTries(uint(c.maxAttempts)),
	)
	return err
}

// linearBackOff waits step, 2*step, 3*step between attempts.
type linearBackOff struct {
	step time.Duration
	next time.Duration
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.next += b.step
	return b.next
}

func (b *linearBackOff) Reset() {
	b.next = 0
}

type memberWire struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	Role        string `json:"role"`
	CreatedTime string `json:"created_time"`
	CreatedAt   string `json:"created_at"`
}

func (m memberWire) toMember() Member {
	return Member{
		ID:        m.ID,
		Email:     m.Email,
		Role:      m.Role,
		CreatedAt: parseTimestamp(m.CreatedTime, m.CreatedAt),
	}
}

type memberListResponse struct {
	Items []memberWire `json:"items"`
	Total int          `json:"total"`
}

type inviteWire struct {
	EmailAddress string `json:"email_address"`
	Email        string `json:"email"`
	Role         string `json:"role"`
	CreatedAt    string `json:"created_at"`
	InvitedAt    string `json:"invited_at"`
}

func (i inviteWire) toInvite() PendingInvite {
	email := i.EmailAddress
	if email == "" {
		email = i.Email
	}
	return PendingInvite{
		Email:     email,
		Role:      i.Role,
		CreatedAt: parseTimestamp(i.CreatedAt, i.InvitedAt),
	}
}

type inviteListResponse struct {
	Items []inviteWire `json:"items"`
	Total int          `json:"total"`
}

type sessionResponse struct {
	Account struct {
		AccountID string `json:"account_id"`
	} `json:"account"`
	Accounts []struct {
		AccountID string `json:"account_id"`
	} `json:"accounts"`
}

// parseTimestamp tries candidates in order; the upstream API is not
// consistent about which field carries the creation time.
func parseTimestamp(candidates ...string) time.Time {
	for _, raw := range candidates {
		if raw == "" {
			continue
		}
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			return t
		}
		if t, err := time.Parse("2006-01-02T15:04:05.999999", raw); err == nil {
			return t
		}
	}
	return time.Time{}
}
