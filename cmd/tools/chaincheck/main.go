package main

import (
	"context"
	"flag"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/safeharborhq/compliance-core/internal/vault"
)

// Verifies one organization's vault hash chain from the command line.
// Exits non-zero when the chain is broken, so it can run from cron.
func main() {
	orgFlag := flag.String("org", "", "organization id to verify (required)")
	batch := flag.Int("batch", 1000, "entries fetched per batch")
	flag.Parse()

	orgID, err := uuid.Parse(*orgFlag)
	if err != nil {
		log.Fatalf("-org must be a valid UUID: %v", err)
	}

	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, relying on environment variables")
	}
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		log.Fatal("DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		log.Fatalf("connect database: %v", err)
	}
	defer pool.Close()

	checker := vault.Checker{Store: vault.NewStore(pool), BatchSize: *batch}
	result, err := checker.VerifyChain(ctx, orgID)
	if err != nil {
		log.Fatalf("verify chain: %v", err)
	}
	if !result.IsValid {
		if result.FirstBrokenEntry != nil {
			log.Printf("chain BROKEN at sequence %d after %d of %d entries: %s",
				*result.FirstBrokenEntry, result.EntriesChecked, result.TotalEntries, result.Message)
		} else {
			log.Printf("chain BROKEN after %d of %d entries: %s",
				result.EntriesChecked, result.TotalEntries, result.Message)
		}
		os.Exit(1)
	}
	log.Printf("chain OK: %d entries verified", result.EntriesChecked)
}
