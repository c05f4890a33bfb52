package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const starterConfig = `# recall configuration. Every field shown carries its default; delete
# what you do not need to change. Credential fields accept literals or
# references: env(VAR_NAME) or vault(path/to/secret#key).

server:
  addr: ":8080"
  api_key: ""            # empty leaves the API open
  read_timeout: 30s
  write_timeout: 60s
  shutdown_grace: 15s

log:
  level: info

memory:
  buffer_size: 10        # turns held before compaction
  active_turns: 5        # turns rendered into the model context
  recent_sessions: 2     # prior session summaries loaded at start
  insight_limit: 3

pool:
  max_sessions: 1000
  ttl: 30m
  sweep_interval: 60s

storage:
  driver: sqlite         # sqlite, postgres, or memory
  sqlite:
    path: recall.db
  postgres:
    dsn: ""              # e.g. env(RECALL_POSTGRES_DSN)

llm:
  provider: anthropic    # anthropic, or static for deterministic dev mode
  model: claude-sonnet-4-5
  mini_model: claude-haiku-4-5
  api_key: env(ANTHROPIC_API_KEY)
  max_tokens: 1024
  timeout: 30s

embedding:
  provider: openai       # openai, or noop to disable semantic search
  base_url: https://api.openai.com/v1
  model: text-embedding-3-small
  dimensions: 1536
  api_key: env(RECALL_EMBED_API_KEY)
  timeout: 15s

search:
  top_k: 5
  similarity_threshold: 0.75

insights:
  min_confidence: 0.7
  min_sessions_for_synthesis: 3
  synthesis_schedule: "" # cron spec, e.g. "0 3 * * *"

work:
  workers: 4
  queue_depth: 256
  task_timeout: 30s

archive:
  enabled: false
  s3:
    bucket: ""
    region: ""
    prefix: sessions
`

func newInitCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter configuration file",
		Long:  "Writes a commented configuration file with every setting at its default.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(output); err == nil {
				return fmt.Errorf("file %q already exists (use --output to pick another path)", output)
			}
			if err := os.WriteFile(output, []byte(starterConfig), 0o644); err != nil {
				return fmt.Errorf("write config: %w", err)
			}
			fmt.Printf("Created %s\n", output)
			fmt.Println()
			fmt.Println("Next steps:")
			fmt.Printf("  1. Edit %s for your environment\n", output)
			fmt.Printf("  2. Run: recall check --config %s\n", output)
			fmt.Printf("  3. Run: recall serve --config %s\n", output)
			return nil
		},
	}

	cmd.Flags().StringVar(&output, "output", "config.yaml", "Path of the config file to write")
	return cmd
}
