package main

import (
	"context"
	"flag"
	"log"
	"time"

	"seatguard/internal/engine/invites"
	"seatguard/internal/engine/upstream"
	"seatguard/internal/pkg/logger"
	"seatguard/internal/platform/config"
	"seatguard/internal/platform/database"
	"seatguard/internal/platform/repositories"
)

// One-shot sweep of stale pending invites across every stored account, meant
// for cron. Accounts are processed sequentially with a pause in between so a
// large install does not hammer the upstream API.
const accountPause = 2 * time.Second

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger.Init(cfg.Logging)

	db, err := database.Open(cfg.Database)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	accountRepo := repositories.NewAccountRepository(db)

	client := upstream.NewClient(upstream.Config{
		BaseURL:     cfg.Upstream.BaseURL,
		SessionURL:  cfg.Upstream.SessionURL,
		MaxAttempts: cfg.Upstream.MaxAttempts,
		Backoff:     cfg.Upstream.Backoff,
		Timeout:     cfg.Upstream.Timeout,
	})
	inviteSvc := invites.NewService(client, cfg.Scheduler.GracePeriod, cfg.Scheduler.DeletePause)

	accounts, err := accountRepo.All()
	if err != nil {
		log.Fatalf("Failed to list accounts: %v", err)
	}
	log.Printf("Sweeping pending invites for %d accounts", len(accounts))

	ctx := context.Background()
	totalDeleted := 0
	for i, account := range accounts {
		if account.UpstreamID == "" {
			resolved, err := client.ResolveAccountID(ctx, account.AccessToken)
			if err != nil {
				log.Printf("[%s] skipping: could not resolve upstream account: %v", account.AdminEmail, err)
				continue
			}
			if err := accountRepo.SetUpstreamID(account.ID, resolved); err != nil {
				log.Printf("[%s] failed to persist upstream account id: %v", account.AdminEmail, err)
			}
			account.UpstreamID = resolved
		}

		result, err := inviteSvc.Cleanup(ctx, account.UpstreamID, account.AccessToken, account.DesiredMembers)
		if err != nil {
			log.Printf("[%s] cleanup failed: %v", account.AdminEmail, err)
		} else {
			log.Printf("[%s] deleted %d, kept %d, failed %d",
				account.AdminEmail, len(result.Deleted), result.Kept, len(result.Failed))
			totalDeleted += len(result.Deleted)
		}

		if i < len(accounts)-1 {
			time.Sleep(accountPause)
		}
	}

	log.Printf("Sweep complete: %d pending invites deleted", totalDeleted)
}
