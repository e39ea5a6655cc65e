package main

import (
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sells-group/bom-matcher/internal/queue"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the project queue worker",
	Long:  "Polls the queue for projects, matches each BOM item against the Mouser catalog, and persists ranked candidates.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("worker"); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		orch := queue.NewOrchestrator(st, initMatcher(st), queue.Config{
			Workers:      cfg.Queue.Workers,
			PollInterval: time.Duration(cfg.Queue.PollIntervalSecs) * time.Second,
			StaleAfter:   time.Duration(cfg.Queue.StaleAfterMins) * time.Minute,
		})

		return orch.Run(ctx)
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
}
