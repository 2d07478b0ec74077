package api

import (
	"context"
	"net/http"

	"github.com/julienschmidt/httprouter"

	apiContext "seatguard/internal/api/context"
	"seatguard/internal/api/handlers"
	"seatguard/internal/api/middleware"
)

type Dependencies struct {
	AuthHandler    *handlers.AuthHandler
	AccountHandler *handlers.AccountHandler
	HealthHandler  *handlers.HealthHandler
	WSHandler      http.Handler
	AuthMiddleware *middleware.AuthMiddleware
}

func NewRouter(deps *Dependencies) *httprouter.Router {
	router := httprouter.New()

	router.GET("/health", wrap(deps.HealthHandler.Check))

	// Authentication routes
	router.POST("/api/v1/auth/signup", wrap(deps.AuthHandler.Signup))
	router.POST("/api/v1/auth/login", wrap(deps.AuthHandler.Login))

	authMid := deps.AuthMiddleware
	accounts := deps.AccountHandler

	// Account management
	router.POST("/api/v1/accounts",
		chain(accounts.Create, authMid.Handle, middleware.RateLimit("api_write")))
	router.GET("/api/v1/accounts",
		chain(accounts.List, authMid.Handle, middleware.RateLimit("api_read")))
	router.GET("/api/v1/accounts/:account_id",
		chain(accounts.Get, authMid.Handle, middleware.RateLimit("api_read")))
	router.DELETE("/api/v1/accounts/:account_id",
		chain(accounts.Delete, authMid.Handle, middleware.RateLimit("api_write")))

	// Desired membership
	router.PUT("/api/v1/accounts/:account_id/members",
		chain(accounts.UpdateDesiredMembers, authMid.Handle, middleware.RateLimit("api_write")))
	router.DELETE("/api/v1/accounts/:account_id/members/:member_id",
		chain(accounts.DeleteMember, authMid.Handle, middleware.RateLimit("api_write")))

	// Invitations
	router.POST("/api/v1/accounts/:account_id/invites",
		chain(accounts.SendInvites, authMid.Handle, middleware.RateLimit("api_write")))
	router.POST("/api/v1/invites/send-all",
		chain(accounts.SendInvitesAll, authMid.Handle, middleware.RateLimit("api_write")))
	router.GET("/api/v1/accounts/:account_id/invites",
		chain(accounts.ListPendingInvites, authMid.Handle, middleware.RateLimit("api_read")))
	router.POST("/api/v1/accounts/:account_id/invites/cleanup",
		chain(accounts.CleanupPendingInvites, authMid.Handle, middleware.RateLimit("api_write")))
	router.POST("/api/v1/invites/cleanup-all",
		chain(accounts.CleanupAllPendingInvites, authMid.Handle, middleware.RateLimit("api_write")))

	// Reconciliation
	router.POST("/api/v1/accounts/:account_id/cleanup",
		chain(accounts.Cleanup, authMid.Handle, middleware.RateLimit("api_write")))
	router.POST("/api/v1/cleanup-all",
		chain(accounts.CleanupAll, authMid.Handle, middleware.RateLimit("api_write")))

	// Audit trail
	router.GET("/api/v1/accounts/:account_id/audit",
		chain(accounts.ListAudit, authMid.Handle, middleware.RateLimit("api_read")))

	// Live notification channel; authenticates per-frame, not per-request.
	router.Handler(http.MethodGet, "/ws", deps.WSHandler)

	return router
}

// Helper function to chain middlewares
func chain(handler http.HandlerFunc, middlewares ...func(http.HandlerFunc) http.HandlerFunc) httprouter.Handle {
	for i := len(middlewares) - 1; i >= 0; i-- {
		handler = middlewares[i](handler)
	}
	return wrap(handler)
}

// Convert http.HandlerFunc to httprouter.Handle
func wrap(handler http.HandlerFunc) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		// Inject params into context
		ctx := context.WithValue(r.Context(), apiContext.Params, ps)
		handler(w, r.WithContext(ctx))
	}
}
