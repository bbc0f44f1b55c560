package main

import (
	"context"
	"log"

	"github.com/agentmeter/agentmeter/internal/config"
	"github.com/agentmeter/agentmeter/internal/database"
	"github.com/agentmeter/agentmeter/internal/pricing"
	"github.com/agentmeter/agentmeter/internal/store"
)

// seedpricing persists the built-in rate card so a fresh database starts
// with known provider rates instead of marking everything untracked.
func main() {
	cfg, err := config.Load(config.Options{})
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if cfg.Database.URL == "" {
		log.Fatal("database.url is required to seed pricing")
	}

	ctx := context.Background()
	pool, err := database.Connect(ctx, cfg.Database)
	if err != nil {
		log.Fatalf("connect database: %v", err)
	}
	defer pool.Close()

	st := store.NewPostgres(pool)
	entries := pricing.DefaultEntries()
	if err := st.SavePricing(ctx, entries...); err != nil {
		log.Fatalf("save pricing: %v", err)
	}

	for _, entry := range entries {
		log.Printf("seeded %s/%s effective %s", entry.Provider, entry.Model, entry.EffectiveDate.Format("2006-01-02"))
	}
}
