package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"

	"listingflow/backend/internal/config"
	"listingflow/backend/internal/logging"
	"listingflow/backend/internal/repository"
	"listingflow/backend/pkg/models"
)

func main() {
	ctx := context.Background()

	configFile := flag.String("config", "", "Path to config file")
	domain := flag.String("domain", "localhost", "E-mail domain of the default tenant")
	name := flag.String("name", "Local Dev Tenant", "Display name of the default tenant")
	flag.Parse()

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger := logging.New(os.Stdout, cfg.Log.Level, cfg.Log.Pretty)

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL())
	if err != nil {
		log.Fatalf("Failed to connect to DB: %v", err)
	}
	defer pool.Close()

	// 1. Apply the schema
	if err := repository.Migrate(ctx, pool); err != nil {
		log.Fatalf("Failed to apply schema: %v", err)
	}
	store := repository.NewPostgresStore(pool)

	// 2. Ensure the default tenant exists; dev-mode bypass resolves to it
	tenant, err := store.GetTenantByDomain(ctx, *domain)
	switch {
	case err == nil:
		logger.Info("Found existing tenant", "id", tenant.ID, "domain", tenant.Domain)
	case errors.Is(err, repository.ErrNotFound):
		logger.Info("Creating default tenant", "domain", *domain)
		tenant = &models.Tenant{Name: *name, Domain: *domain}
		if err := store.CreateTenant(ctx, tenant); err != nil {
			log.Fatalf("Failed to create tenant: %v", err)
		}
		logger.Info("Seeded tenant", "id", tenant.ID, "domain", tenant.Domain)
	default:
		log.Fatalf("Failed to look up tenant: %v", err)
	}

	logger.Info("Seeding complete!")
}
