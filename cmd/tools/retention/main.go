package main

import (
	"context"
	"flag"
	"log"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/safeharborhq/compliance-core/internal/vault"
)

// Applies the vault retention policy from the command line. Dry run is the
// default; pass -apply to archive and delete for real.
func main() {
	apply := flag.Bool("apply", false, "archive and delete expired entries instead of reporting")
	archiveDir := flag.String("archive-dir", "", "directory for archive batches (required with -apply unless VAULT_ARCHIVE_DIR is set)")
	flag.Parse()

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

	dir := *archiveDir
	if dir == "" {
		dir = os.Getenv("VAULT_ARCHIVE_DIR")
	}
	var archiver vault.Archiver
	if dir != "" {
		archiver = vault.DirArchiver{Dir: dir}
	}
	if *apply && archiver == nil {
		log.Fatal("-apply requires an archive directory")
	}

	processor := vault.Processor{
		Store:    vault.NewStore(pool),
		Archiver: archiver,
		Log:      zerolog.New(os.Stderr).With().Timestamp().Logger(),
	}
	report, err := processor.ProcessExpired(ctx, !*apply)
	if err != nil {
		log.Fatalf("process retention: %v", err)
	}
	if report.DryRun {
		log.Printf("dry run: %d entries past retention (use -apply to archive and delete)", report.ExpiredCount)
		return
	}
	log.Printf("archived and deleted %d of %d expired entries", report.DeletedCount, report.ExpiredCount)
}
