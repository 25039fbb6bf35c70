package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"

	migrate "github.com/golang-migrate/migrate/v4"
	"github.com/joho/godotenv"

	"github.com/safeharborhq/compliance-core/internal/db"
)

// Runs the embedded schema migrations from the command line. The API applies
// them automatically on start; this tool covers deployments that migrate as a
// separate step, plus rollbacks and dirty-state repair.
//
// Usage: migrate <up|down|steps N|version|force V>
func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s <up|down|steps N|version|force V>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, relying on environment variables")
	}
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		log.Fatal("DATABASE_URL is not set")
	}

	m, err := db.Migrator(dbURL)
	if err != nil {
		log.Fatalf("build migrator: %v", err)
	}
	defer func() {
		if srcErr, dbErr := m.Close(); srcErr != nil || dbErr != nil {
			log.Printf("close migrator: source=%v db=%v", srcErr, dbErr)
		}
	}()

	switch args[0] {
	case "up":
		report(m.Up())
	case "down":
		report(m.Steps(-1))
	case "steps":
		if len(args) < 2 {
			log.Fatal("steps requires a count, e.g. steps -2")
		}
		n, err := strconv.Atoi(args[1])
		if err != nil {
			log.Fatalf("steps count: %v", err)
		}
		report(m.Steps(n))
	case "version":
		version, dirty, err := m.Version()
		if errors.Is(err, migrate.ErrNilVersion) {
			fmt.Println("no migrations applied")
			return
		}
		if err != nil {
			log.Fatalf("read version: %v", err)
		}
		fmt.Printf("version %d dirty=%v\n", version, dirty)
	case "force":
		if len(args) < 2 {
			log.Fatal("force requires a version")
		}
		v, err := strconv.Atoi(args[1])
		if err != nil {
			log.Fatalf("force version: %v", err)
		}
		report(m.Force(v))
	default:
		flag.Usage()
		os.Exit(2)
	}
}

func report(err error) {
	switch {
	case err == nil:
		fmt.Println("done")
	case errors.Is(err, migrate.ErrNoChange):
		fmt.Println("no change")
	default:
		log.Fatalf("migrate: %v", err)
	}
}
