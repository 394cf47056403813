package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/kernelci/eventbus/config"
	"github.com/kernelci/eventbus/store"
)

// newCleanupCmd is the one-shot maintenance entry point, intended for cron:
// it deletes durable subscriber states that have not polled within the
// configured horizon.
func newCleanupCmd() *cobra.Command {
	var maxAgeDays int
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete stale durable subscriber states",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cleanup(cmd.Context(), maxAgeDays)
		},
	}
	cmd.Flags().IntVar(&maxAgeDays, "max-age-days", 30,
		"delete subscriber states not polled within this many days")
	return cmd
}

func cleanup(ctx context.Context, maxAgeDays int) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg.LogLevel)

	if cfg.Store != "mongo" {
		return fmt.Errorf("cleanup requires PUBSUB_STORE=mongo, got %q", cfg.Store)
	}

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoService))
	if err != nil {
		return fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	defer func() { _ = client.Disconnect(ctx) }()

	registry := store.NewMongoRegistry(client.Database(cfg.MongoDBName))
	cutoff := time.Now().UTC().Add(-time.Duration(maxAgeDays) * 24 * time.Hour)
	removed, err := registry.DeleteStale(ctx, cutoff)
	if err != nil {
		return err
	}
	fmt.Printf("Deleted %d stale subscriber states\n", removed)
	return nil
}
