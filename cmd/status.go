package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/bom-matcher/internal/model"
	"github.com/sells-group/bom-matcher/internal/store"
)

var (
	statusProject string
	statusList    bool
	statusFilter  string
	statusLimit   int
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue depth, recent projects, or one project's state",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("status"); err != nil {
			return err
		}
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		if statusList {
			projects, err := st.ListProjects(ctx, store.ProjectFilter{
				Status: model.ProjectStatus(statusFilter),
				Limit:  statusLimit,
			})
			if err != nil {
				return eris.Wrap(err, "list projects")
			}
			return enc.Encode(projects)
		}

		if statusProject == "" {
			count, err := st.CountQueued(ctx)
			if err != nil {
				return eris.Wrap(err, "count queued")
			}
			return enc.Encode(map[string]int{"queue_length": count})
		}

		project, err := st.GetProject(ctx, statusProject)
		if err != nil {
			return eris.Wrap(err, "load project")
		}
		if project == nil {
			return eris.Errorf("project %s not found", statusProject)
		}

		out := map[string]any{
			"project_id": project.ID,
			"status":     string(project.Status),
			"created_at": project.CreatedAt,
		}
		if project.Status == model.ProjectStatusQueued {
			position, total, err := st.QueuePosition(ctx, project.ID)
			if err != nil {
				return eris.Wrap(err, "queue position")
			}
			out["position"] = position
			out["total_in_queue"] = total
		}
		return enc.Encode(out)
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <project-id>",
	Short: "Cancel a queued project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("status"); err != nil {
			return err
		}
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		cancelled, err := st.CancelProject(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "cancel project")
		}
		if !cancelled {
			return eris.Errorf("project %s is not queued", args[0])
		}

		return json.NewEncoder(os.Stdout).Encode(map[string]string{"status": "cancelled"})
	},
}

func init() {
	statusCmd.Flags().StringVar(&statusProject, "project", "", "project ID to inspect")
	statusCmd.Flags().BoolVar(&statusList, "list", false, "list recent projects")
	statusCmd.Flags().StringVar(&statusFilter, "status", "", "filter --list by project status")
	statusCmd.Flags().IntVar(&statusLimit, "limit", 20, "max projects for --list")
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(cancelCmd)
}
