package main

import (
	"database/sql"
	"flag"
	"log"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"

	"github.com/technosupport/ts-alpr/internal/config"
)

func main() {
	upCmd := flag.Bool("up", false, "Run all up migrations")
	downCmd := flag.Bool("down", false, "Rollback all migrations")
	stepsCmd := flag.Int("steps", 0, "Run +/- steps")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL())
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		log.Fatalf("Failed to create migrate driver: %v", err)
	}

	m, err := migrate.NewWithDatabaseInstance(
		"file://db/migrations",
		"postgres", driver)
	if err != nil {
		log.Fatalf("Failed to initialize migrate: %v", err)
	}

	start := time.Now()
	switch {
	case *upCmd:
		log.Println("Running UP migrations...")
		if err := m.Up(); err != nil && err != migrate.ErrNoChange {
			log.Fatalf("Migration UP failed: %v", err)
		}
		log.Println("Migration UP completed.")
	case *downCmd:
		log.Println("Running DOWN migrations...")
		if err := m.Down(); err != nil && err != migrate.ErrNoChange {
			log.Fatalf("Migration DOWN failed: %v", err)
		}
		log.Println("Migration DOWN completed.")
	case *stepsCmd != 0:
		log.Printf("Running %d steps...\n", *stepsCmd)
		if err := m.Steps(*stepsCmd); err != nil && err != migrate.ErrNoChange {
			log.Fatalf("Migration Steps failed: %v", err)
		}
		log.Println("Migration Steps completed.")
	default:
		log.Println("No command specified. Use -up, -down, or -steps.")
		version, dirty, err := m.Version()
		if err != nil {
			log.Println("No version found (empty db?).")
		} else {
			log.Printf("Current Version: %d, Dirty: %v\n", version, dirty)
		}
	}
	log.Printf("Duration: %v", time.Since(start))
}
