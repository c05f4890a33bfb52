package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/szaher/recall/internal/config"
	"github.com/szaher/recall/internal/secrets"
)

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration, probe storage, and print the effective settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()

			resolver := secrets.FromEnv()
			var warnings []string
			for _, f := range []struct {
				name  string
				value *string
			}{
				{"server.api_key", &cfg.Server.APIKey},
				{"llm.api_key", &cfg.LLM.APIKey},
				{"embedding.api_key", &cfg.Embedding.APIKey},
				{"storage.postgres.dsn", &cfg.Storage.Postgres.DSN},
			} {
				resolved, err := resolver.Resolve(ctx, *f.value)
				if err != nil {
					warnings = append(warnings, fmt.Sprintf("%s: %v", f.name, err))
					continue
				}
				*f.value = resolved
			}

			storageStatus := "ok"
			store, err := openStore(ctx, cfg, nil)
			if err != nil {
				storageStatus = err.Error()
			} else {
				if err := store.Ping(ctx); err != nil {
					storageStatus = err.Error()
				}
				store.Close()
			}

			fmt.Printf("configuration ok\n")
			fmt.Printf("  addr:            %s\n", cfg.Server.Addr)
			fmt.Printf("  storage:         %s (%s)\n", cfg.Storage.Driver, storageStatus)
			fmt.Printf("  llm provider:    %s (model %s)\n", cfg.LLM.Provider, cfg.LLM.Model)
			fmt.Printf("  embedding:       %s (model %s, %d dims)\n",
				cfg.Embedding.Provider, cfg.Embedding.Model, cfg.Embedding.Dimensions)
			fmt.Printf("  buffer size:     %d turns (window %d)\n", cfg.Memory.BufferSize, cfg.Memory.ActiveTurns)
			fmt.Printf("  pool:            %d sessions, ttl %s\n", cfg.Pool.MaxSessions, cfg.Pool.TTL.Std())
			if cfg.Archive.Enabled {
				fmt.Printf("  archive:         s3://%s/%s\n", cfg.Archive.S3.Bucket, cfg.Archive.S3.Prefix)
			}
			if cfg.Server.APIKey == "" {
				fmt.Printf("  warning: no api key set, the API is open\n")
			}
			for _, w := range warnings {
				fmt.Printf("  warning: %s\n", w)
			}
			return nil
		},
	}
}
