package handlers

import (
	"encoding/json"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"
	"github.com/rs/zerolog/log"

	apiContext "seatguard/internal/api/context"
	"seatguard/internal/engine/invites"
	"seatguard/internal/engine/reconcile"
	"seatguard/internal/engine/upstream"
	"seatguard/internal/pkg/errors"
	"seatguard/internal/pkg/validator"
	"seatguard/internal/platform/audit"
	"seatguard/internal/platform/auth"
	"seatguard/internal/platform/models"
	"seatguard/internal/platform/repositories"
)

const (
	bulkInviteGapMin = 15 * time.Second
	bulkInviteGapMax = 30 * time.Second
)

type AccountHandler struct {
	accountRepo *repositories.AccountRepository
	client      *upstream.Client
	invites     *invites.Service
	reconciler  *reconcile.Reconciler
	scheduler   *reconcile.Scheduler
	auditor     *audit.Logger
}

func NewAccountHandler(
	accountRepo *repositories.AccountRepository,
	client *upstream.Client,
	inviteSvc *invites.Service,
	reconciler *reconcile.Reconciler,
	scheduler *reconcile.Scheduler,
	auditor *audit.Logger,
) *AccountHandler {
	return &AccountHandler{
		accountRepo: accountRepo,
		client:      client,
		invites:     inviteSvc,
		reconciler:  reconciler,
		scheduler:   scheduler,
		auditor:     auditor,
	}
}

type CreateAccountRequest struct {
	Name           string   `json:"name"`
	AdminEmail     string   `json:"admin_email"`
	UpstreamID     string   `json:"upstream_id"`
	AccessToken    string   `json:"access_token"`
	DesiredMembers []string `json:"desired_members"`
	MaxMembers     int      `json:"max_members"`
}

func (h *AccountHandler) Create(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)

	var req CreateAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errors.WriteError(w, http.StatusBadRequest, errors.ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}

	adminEmail := validator.NormalizeEmail(req.AdminEmail)
	if err := validator.IsValidEmail(adminEmail); err != nil {
		errors.WriteError(w, http.StatusBadRequest, errors.ErrCodeInvalidInput, "Invalid admin email", nil)
		return
	}
	if strings.TrimSpace(req.AccessToken) == "" {
		errors.WriteError(w, http.StatusBadRequest, errors.ErrCodeInvalidInput, "Access token is required", nil)
		return
	}

	maxMembers := req.MaxMembers
	if maxMembers <= 0 {
		maxMembers = models.DefaultMaxMembers
	}

	desired := validator.NormalizeMemberSet(req.DesiredMembers, adminEmail)
	if len(desired) > maxMembers {
		errors.WriteError(w, http.StatusBadRequest, errors.ErrCodeQuotaExceeded,
			"Desired members exceed the seat capacity", map[string]int{"max_members": maxMembers})
		return
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = adminEmail
	}

	now := time.Now().Unix()
	account := &models.Account{
		ID:             "acc_" + uuid.NewString(),
		UserID:         claims.UserID,
		Name:           name,
		AdminEmail:     adminEmail,
		UpstreamID:     strings.TrimSpace(req.UpstreamID),
		AccessToken:    req.AccessToken,
		DesiredMembers: desired,
		MaxMembers:     maxMembers,
		Status:         models.StatusActive,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := h.accountRepo.Create(account); err != nil {
		errors.WriteError(w, http.StatusInternalServerError, errors.ErrCodeInternal, "Failed to create account", nil)
		return
	}

	// Picked up on the subscriber's next tick; no-op if nobody is watching.
	h.scheduler.Track(claims.UserID, account.ID)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(account)
}

func (h *AccountHandler) List(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	q := r.URL.Query()

	opts := repositories.ListOptions{
		Search:  strings.TrimSpace(q.Get("search")),
		SortBy:  q.Get("sort_by"),
		SortDir: q.Get("sort_dir"),
	}
	opts.CreatedAfter, _ = strconv.ParseInt(q.Get("created_after"), 10, 64)
	opts.CreatedBefore, _ = strconv.ParseInt(q.Get("created_before"), 10, 64)

	perPage, _ := strconv.Atoi(q.Get("per_page"))
	if perPage <= 0 || perPage > 100 {
		perPage = 25
	}
	page, _ := strconv.Atoi(q.Get("page"))
	if page < 1 {
		page = 1
	}
	opts.Limit = perPage
	opts.Offset = (page - 1) * perPage

	accounts, err := h.accountRepo.ListByUser(claims.UserID, opts)
	if err != nil {
		errors.WriteError(w, http.StatusInternalServerError, errors.ErrCodeInternal, "Failed to list accounts", nil)
		return
	}
	total, err := h.accountRepo.CountByUser(claims.UserID)
	if err != nil {
		errors.WriteError(w, http.StatusInternalServerError, errors.ErrCodeInternal, "Failed to count accounts", nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"accounts": accounts,
		"total":    total,
		"page":     page,
		"per_page": perPage,
	})
}

func (h *AccountHandler) Get(w http.ResponseWriter, r *http.Request) {
	account := h.loadAccount(w, r)
	if account == nil {
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(account)
}

func (h *AccountHandler) Delete(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	accountID := paramFrom(r, "account_id")

	deleted, err := h.accountRepo.Delete(accountID, claims.UserID)
	if err != nil {
		errors.WriteError(w, http.StatusInternalServerError, errors.ErrCodeInternal, "Failed to delete account", nil)
		return
	}
	if !deleted {
		errors.WriteError(w, http.StatusNotFound, errors.ErrCodeNotFound, "Account not found", nil)
		return
	}

	// Deletion must also cancel the standing reconciliation timer.
	h.scheduler.Cancel(accountID)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"message": "Account deleted"})
}

type UpdateMembersRequest struct {
	DesiredMembers []string `json:"desired_members"`
}

func (h *AccountHandler) UpdateDesiredMembers(w http.ResponseWriter, r *http.Request) {
	account := h.loadAccount(w, r)
	if account == nil {
		return
	}

	var req UpdateMembersRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errors.WriteError(w, http.StatusBadRequest, errors.ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}

	desired := validator.NormalizeMemberSet(req.DesiredMembers, account.AdminEmail)
	if len(desired) > account.MaxMembers {
		errors.WriteError(w, http.StatusBadRequest, errors.ErrCodeQuotaExceeded,
			"Desired members exceed the seat capacity", map[string]int{"max_members": account.MaxMembers})
		return
	}

	if err := h.accountRepo.UpdateDesiredMembers(account.ID, desired); err != nil {
		errors.WriteError(w, http.StatusInternalServerError, errors.ErrCodeInternal, "Failed to update desired members", nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"message":         "Desired members updated",
		"desired_members": desired,
	})
}

type SendInvitesRequest struct {
	Emails []string `json:"emails"`
	Resend bool     `json:"resend"`
}

// SendInvites delivers invitations upstream BEFORE persisting any desired-set
// change. If delivery fails the set stays untouched, so the reconciler never
// promises a membership the platform never issued.
func (h *AccountHandler) SendInvites(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	account := h.loadAccount(w, r)
	if account == nil {
		return
	}

	var req SendInvitesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errors.WriteError(w, http.StatusBadRequest, errors.ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}

	var toInvite []string
	persistNeeded := false

	if len(req.Emails) > 0 {
		newEmails := validator.NormalizeMemberSet(req.Emails, account.AdminEmail)

		duplicates, err := h.findCrossAccountDuplicates(claims.UserID, account.ID, newEmails)
		if err != nil {
			errors.WriteError(w, http.StatusInternalServerError, errors.ErrCodeInternal, "Failed to check duplicates", nil)
			return
		}
		if len(duplicates) > 0 {
			errors.WriteError(w, http.StatusBadRequest, errors.ErrCodeConflict,
				"Some emails already belong to other accounts", map[string][]string{"duplicates": duplicates})
			return
		}

		var added []string
		for _, email := range newEmails {
			if !validator.Contains(account.DesiredMembers, email) {
				added = append(added, email)
			}
		}
		if len(account.DesiredMembers)+len(added) > account.MaxMembers {
			errors.WriteError(w, http.StatusBadRequest, errors.ErrCodeQuotaExceeded,
				"Not enough free seats", map[string]int{
					"current":     len(account.DesiredMembers),
					"max_members": account.MaxMembers,
					"available":   account.MaxMembers - len(account.DesiredMembers),
				})
			return
		}
		toInvite = newEmails
		persistNeeded = len(added) > 0
		account.DesiredMembers = append(account.DesiredMembers, added...)
	} else {
		toInvite = account.DesiredMembers
		if len(toInvite) == 0 {
			errors.WriteError(w, http.StatusBadRequest, errors.ErrCodeInvalidInput,
				"No emails to invite; provide emails or set desired members first", nil)
			return
		}
	}

	upstreamID, err := h.ensureUpstreamID(r, account)
	if err != nil {
		writeUpstreamError(w, err)
		return
	}

	count, err := h.invites.Send(r.Context(), upstreamID, account.AccessToken, toInvite, req.Resend)
	if err != nil {
		// Nothing was persisted yet; the desired set on disk is unchanged.
		writeUpstreamError(w, err)
		return
	}

	if persistNeeded {
		if err := h.accountRepo.UpdateDesiredMembers(account.ID, account.DesiredMembers); err != nil {
			errors.WriteError(w, http.StatusInternalServerError, errors.ErrCodeInternal, "Invites sent but desired set not saved", nil)
			return
		}
	}

	h.auditor.Record(account.ID, audit.ActionInvitesSent, strings.Join(toInvite, ","), map[string]interface{}{
		"count": count,
	})

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"message":         "Invites sent",
		"invited_count":   count,
		"desired_members": account.DesiredMembers,
		"remaining_slots": account.MaxMembers - len(account.DesiredMembers),
	})
}

// SendInvitesAll re-sends the full desired set of every account, strictly
// sequentially with a randomized gap between accounts so the burst does not
// trip upstream abuse detection. Slow by design.
func (h *AccountHandler) SendInvitesAll(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)

	accounts, err := h.accountRepo.ListAllByUser(claims.UserID)
	if err != nil {
		errors.WriteError(w, http.StatusInternalServerError, errors.ErrCodeInternal, "Failed to list accounts", nil)
		return
	}
	if len(accounts) == 0 {
		errors.WriteError(w, http.StatusNotFound, errors.ErrCodeNotFound, "No accounts found", nil)
		return
	}

	type result struct {
		AccountID    string `json:"account_id"`
		AdminEmail   string `json:"admin_email"`
		Success      bool   `json:"success"`
		InvitedCount int    `json:"invited_count"`
		Error        string `json:"error,omitempty"`
	}

	results := make([]result, 0, len(accounts))
	totalInvited := 0

	for i, account := range accounts {
		res := result{AccountID: account.ID, AdminEmail: account.AdminEmail}

		if len(account.DesiredMembers) == 0 {
			res.Error = "no desired members to invite"
		} else if upstreamID, err := h.ensureUpstreamID(r, account); err != nil {
			res.Error = err.Error()
		} else if count, err := h.invites.Send(r.Context(), upstreamID, account.AccessToken, account.DesiredMembers, true); err != nil {
			res.Error = err.Error()
		} else {
			res.Success = true
			res.InvitedCount = count
			totalInvited += count
		}
		results = append(results, res)

		if i < len(accounts)-1 {
			gap := bulkInviteGapMin + time.Duration(rand.Int63n(int64(bulkInviteGapMax-bulkInviteGapMin)))
			log.Info().Dur("gap", gap).Msg("pausing before next account invite batch")
			select {
			case <-time.After(gap):
			case <-r.Context().Done():
				errors.WriteError(w, http.StatusRequestTimeout, errors.ErrCodeInternal, "Request cancelled", nil)
				return
			}
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"total_invited": totalInvited,
		"results":       results,
	})
}

// Cleanup runs one immediate reconciliation pass for the account.
func (h *AccountHandler) Cleanup(w http.ResponseWriter, r *http.Request) {
	account := h.loadAccount(w, r)
	if account == nil {
		return
	}

	outcome := h.reconciler.Run(r.Context(), account)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(outcome)
}

// CleanupAll reconciles every account sequentially.
func (h *AccountHandler) CleanupAll(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)

	accounts, err := h.accountRepo.ListAllByUser(claims.UserID)
	if err != nil {
		errors.WriteError(w, http.StatusInternalServerError, errors.ErrCodeInternal, "Failed to list accounts", nil)
		return
	}
	if len(accounts) == 0 {
		errors.WriteError(w, http.StatusNotFound, errors.ErrCodeNotFound, "No accounts found", nil)
		return
	}

	outcomes := make(map[string]*reconcile.Outcome, len(accounts))
	for _, account := range accounts {
		outcomes[account.ID] = h.reconciler.Run(r.Context(), account)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(outcomes)
}

func (h *AccountHandler) ListPendingInvites(w http.ResponseWriter, r *http.Request) {
	account := h.loadAccount(w, r)
	if account == nil {
		return
	}

	upstreamID, err := h.ensureUpstreamID(r, account)
	if err != nil {
		writeUpstreamError(w, err)
		return
	}

	pending, total, err := h.invites.ListPending(r.Context(), upstreamID, account.AccessToken)
	if err != nil {
		writeUpstreamError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"invites": pending,
		"total":   total,
	})
}

func (h *AccountHandler) CleanupPendingInvites(w http.ResponseWriter, r *http.Request) {
	account := h.loadAccount(w, r)
	if account == nil {
		return
	}

	upstreamID, err := h.ensureUpstreamID(r, account)
	if err != nil {
		writeUpstreamError(w, err)
		return
	}

	result, err := h.invites.Cleanup(r.Context(), upstreamID, account.AccessToken, account.DesiredMembers)
	if err != nil {
		writeUpstreamError(w, err)
		return
	}

	for _, email := range result.Deleted {
		h.auditor.Record(account.ID, audit.ActionInviteRevoked, email, nil)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

func (h *AccountHandler) CleanupAllPendingInvites(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)

	accounts, err := h.accountRepo.ListAllByUser(claims.UserID)
	if err != nil {
		errors.WriteError(w, http.StatusInternalServerError, errors.ErrCodeInternal, "Failed to list accounts", nil)
		return
	}

	results := make(map[string]interface{}, len(accounts))
	for _, account := range accounts {
		upstreamID, err := h.ensureUpstreamID(r, account)
		if err != nil {
			results[account.ID] = map[string]string{"error": err.Error()}
			continue
		}
		result, err := h.invites.Cleanup(r.Context(), upstreamID, account.AccessToken, account.DesiredMembers)
		if err != nil {
			results[account.ID] = map[string]string{"error": err.Error()}
			continue
		}
		results[account.ID] = result
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(results)
}

// DeleteMember removes one seat holder upstream and prunes the email from the
// desired set so the member is not re-invited on the next pass.
func (h *AccountHandler) DeleteMember(w http.ResponseWriter, r *http.Request) {
	account := h.loadAccount(w, r)
	if account == nil {
		return
	}
	memberID := paramFrom(r, "member_id")

	upstreamID, err := h.ensureUpstreamID(r, account)
	if err != nil {
		writeUpstreamError(w, err)
		return
	}

	// Look the member up first so the desired set can be pruned by email.
	var memberEmail string
	removedFromDesired := false
	if members, _, err := h.client.FetchMembers(r.Context(), upstreamID, account.AccessToken); err == nil {
		for _, member := range members {
			if member.ID == memberID {
				memberEmail = member.Email
				break
			}
		}
	} else {
		log.Warn().Err(err).Str("account_id", account.ID).Msg("could not fetch members before deletion")
	}

	if memberEmail != "" && validator.Contains(account.DesiredMembers, memberEmail) {
		pruned := make([]string, 0, len(account.DesiredMembers))
		for _, email := range account.DesiredMembers {
			if validator.NormalizeEmail(email) != validator.NormalizeEmail(memberEmail) {
				pruned = append(pruned, email)
			}
		}
		if err := h.accountRepo.UpdateDesiredMembers(account.ID, pruned); err == nil {
			removedFromDesired = true
		}
	}

	if err := h.client.DeleteMember(r.Context(), upstreamID, memberID, account.AccessToken); err != nil {
		writeUpstreamError(w, err)
		return
	}

	h.auditor.Record(account.ID, audit.ActionMemberRemoved, memberEmail, map[string]interface{}{
		"member_id": memberID,
		"manual":    true,
	})

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"message":              "Member deleted",
		"member_id":            memberID,
		"member_email":         memberEmail,
		"removed_from_desired": removedFromDesired,
	})
}

func (h *AccountHandler) ListAudit(w http.ResponseWriter, r *http.Request) {
	account := h.loadAccount(w, r)
	if account == nil {
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := h.auditor.ListByAccount(account.ID, limit)
	if err != nil {
		errors.WriteError(w, http.StatusInternalServerError, errors.ErrCodeInternal, "Failed to list audit entries", nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{"entries": entries})
}

func (h *AccountHandler) loadAccount(w http.ResponseWriter, r *http.Request) *models.Account {
	claims := claimsFrom(r)
	accountID := paramFrom(r, "account_id")

	account, err := h.accountRepo.GetForUser(accountID, claims.UserID)
	if err != nil {
		errors.WriteError(w, http.StatusInternalServerError, errors.ErrCodeInternal, "Database error", nil)
		return nil
	}
	if account == nil {
		errors.WriteError(w, http.StatusNotFound, errors.ErrCodeNotFound, "Account not found", nil)
		return nil
	}
	return account
}

func (h *AccountHandler) ensureUpstreamID(r *http.Request, account *models.Account) (string, error) {
	if account.UpstreamID != "" {
		return account.UpstreamID, nil
	}
	resolved, err := h.client.ResolveAccountID(r.Context(), account.AccessToken)
	if err != nil {
		return "", err
	}
	if err := h.accountRepo.SetUpstreamID(account.ID, resolved); err != nil {
		log.Error().Err(err).Str("account_id", account.ID).Msg("failed to persist resolved upstream id")
	}
	account.UpstreamID = resolved
	return resolved, nil
}

func (h *AccountHandler) findCrossAccountDuplicates(userID, excludeAccountID string, emails []string) ([]string, error) {
	accounts, err := h.accountRepo.ListAllByUser(userID)
	if err != nil {
		return nil, err
	}

	existing := make(map[string]struct{})
	for _, account := range accounts {
		if account.ID == excludeAccountID {
			continue
		}
		for _, email := range account.DesiredMembers {
			existing[validator.NormalizeEmail(email)] = struct{}{}
		}
	}

	var duplicates []string
	for _, email := range emails {
		if _, ok := existing[validator.NormalizeEmail(email)]; ok {
			duplicates = append(duplicates, email)
		}
	}
	return duplicates, nil
}

func writeUpstreamError(w http.ResponseWriter, err error) {
	errors.WriteError(w, http.StatusBadGateway, errors.ErrCodeUpstream, err.Error(), nil)
}

func claimsFrom(r *http.Request) *auth.Claims {
	return r.Context().Value(apiContext.Claims).(*auth.Claims)
}

func paramFrom(r *http.Request, name string) string {
	ps := r.Context().Value(apiContext.Params).(httprouter.Params)
	return ps.ByName(name)
}
