package main

import (
	"context"
	"log"
	"os"

	"github.com/safar/storefront-fulfilment/internal/config"
	"github.com/safar/storefront-fulfilment/internal/database"
)

func main() {
	if len(os.Args) < 2 {
		log.Fatal("Usage: go run scripts/run_migrations.go [up|down]")
	}

	direction := os.Args[1]
	if direction != "up" && direction != "down" {
		log.Fatal("Direction must be 'up' or 'down'")
	}

	ctx := context.Background()
	dbCfg := config.LoadDatabase()

	db, err := database.NewConnection(ctx, &dbCfg)
	if err != nil {
		log.Fatalf("Connect to database: %v", err)
	}
	defer db.Close()

	ran, err := database.Migrate(ctx, db, "migrations", direction)
	if err != nil {
		log.Fatalf("Run migrations: %v", err)
	}

	for _, name := range ran {
		log.Printf("Ran migration: %s", name)
	}
	log.Printf("Successfully ran %d migration(s) %s", len(ran), direction)
}
