// Package main implements the autoboard CLI for manual operations
// against the autoboardd HTTP server.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var (
	// serverURL is the base URL for the autoboardd HTTP server
	serverURL string
	// projectPath is the project the commands operate on
	projectPath string
	// version information
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "autoboard",
	Short: "CLI for autoboardd server operations",
	Long: `autoboard is a command-line interface for the autoboardd daemon.
It manages the feature board, plan approvals, and the auto-dispatch loop.`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:9180", "autoboardd server URL")
	rootCmd.PersistentFlags().StringVarP(&projectPath, "project", "C", "", "project path (defaults to the current directory)")
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(addCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(approveCmd)
	rootCmd.AddCommand(rejectCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(loopCmd)
	loopCmd.AddCommand(loopStartCmd)
	loopCmd.AddCommand(loopStopCmd)
}

// project resolves the target project path, defaulting to the cwd.
func project() (string, error) {
	if projectPath != "" {
		return projectPath, nil
	}
	return os.Getwd()
}

func httpClient() *http.Client {
	return &http.Client{Timeout: 30 * time.Second}
}

// postJSON sends a JSON body and decodes the response into out (when
// out is non-nil and the server returned a body).
func postJSON(path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}

	resp, err := httpClient().Post(serverURL+path, "application/json", bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to reach server at %s: %w", serverURL, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("server returned %s: %s", resp.Status, bytes.TrimSpace(msg))
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func getJSON(path string, out any) error {
	resp, err := httpClient().Get(serverURL + path)
	if err != nil {
		return fmt.Errorf("failed to reach server at %s: %w", serverURL, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("server returned %s: %s", resp.Status, bytes.TrimSpace(msg))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check autoboardd server health",
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp struct {
			Status       string `json:"status"`
			LoopRunning  bool   `json:"loop_running"`
			RunningCount int    `json:"running_count"`
		}
		if err := getJSON("/health", &resp); err != nil {
			return err
		}
		fmt.Printf("status: %s\nloop running: %t\nexecutions: %d\n",
			resp.Status, resp.LoopRunning, resp.RunningCount)
		return nil
	},
}

var (
	addSkipTests    bool
	addModel        string
	addPlanningMode string
	addReviewPlan   bool
	addDeps         []string
)

var addCmd = &cobra.Command{
	Use:   "add <description>",
	Short: "Add a feature to the board",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		proj, err := project()
		if err != nil {
			return err
		}

		body := map[string]any{
			"project_path":  proj,
			"description":   args[0],
			"skip_tests":    addSkipTests,
			"model":         addModel,
			"planning_mode": addPlanningMode,
			"dependencies":  addDeps,
		}
		// Omitted, the server defaults plan review on for spec/full.
		if cmd.Flags().Changed("review-plan") {
			body["require_plan_approval"] = addReviewPlan
		}

		var created struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		}
		err = postJSON("/api/v1/features", body, &created)
		if err != nil {
			return err
		}
		fmt.Printf("created %s (%s)\n", created.ID, created.Status)
		return nil
	},
}

func init() {
	addCmd.Flags().BoolVar(&addSkipTests, "skip-tests", false, "skip automated checks; the feature waits for approval instead of going to verified")
	addCmd.Flags().StringVar(&addModel, "model", "", "model override for this feature")
	addCmd.Flags().StringVar(&addPlanningMode, "planning", "", "planning mode: skip, lite, spec, or full")
	addCmd.Flags().BoolVar(&addReviewPlan, "review-plan", false, "hold generated plans for review before implementation")
	addCmd.Flags().StringSliceVar(&addDeps, "depends-on", nil, "feature ids this feature depends on")
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List features on the board",
	RunE: func(cmd *cobra.Command, args []string) error {
		proj, err := project()
		if err != nil {
			return err
		}

		var features []struct {
			ID          string `json:"id"`
			Description string `json:"description"`
			Status      string `json:"status"`
			Running     bool   `json:"running"`
			TasksDone   int    `json:"tasks_done"`
			TasksTotal  int    `json:"tasks_total"`
		}
		if err := getJSON("/api/v1/features?project="+proj, &features); err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATUS\tRUNNING\tTASKS\tDESCRIPTION")
		for _, f := range features {
			tasks := ""
			if f.TasksTotal > 0 {
				tasks = fmt.Sprintf("%d/%d", f.TasksDone, f.TasksTotal)
			}
			desc := f.Description
			if len(desc) > 60 {
				desc = desc[:57] + "..."
			}
			fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%s\n", f.ID, f.Status, f.Running, tasks, desc)
		}
		return w.Flush()
	},
}

var approveFeedback string

var approveCmd = &cobra.Command{
	Use:   "approve <feature-id>",
	Short: "Approve a feature's generated plan",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		proj, err := project()
		if err != nil {
			return err
		}
		return postJSON("/api/v1/features/"+args[0]+"/approve", map[string]any{
			"project_path": proj,
			"approved":     true,
		}, nil)
	},
}

var rejectCmd = &cobra.Command{
	Use:   "reject <feature-id>",
	Short: "Reject a plan; with --feedback the agent revises it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		proj, err := project()
		if err != nil {
			return err
		}
		return postJSON("/api/v1/features/"+args[0]+"/approve", map[string]any{
			"project_path": proj,
			"approved":     false,
			"feedback":     approveFeedback,
		}, nil)
	},
}

func init() {
	rejectCmd.Flags().StringVar(&approveFeedback, "feedback", "", "revision guidance; omit to cancel the execution")
}

var (
	runIsolate    bool
	runBaseBranch string
)

var runCmd = &cobra.Command{
	Use:   "run <feature-id>",
	Short: "Execute a feature immediately",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		proj, err := project()
		if err != nil {
			return err
		}
		err = postJSON("/api/v1/features/"+args[0]+"/execute", map[string]any{
			"project_path": proj,
			"isolate":      runIsolate,
			"base_branch":  runBaseBranch,
		}, nil)
		if err != nil {
			return err
		}
		fmt.Println("execution dispatched")
		return nil
	},
}

func init() {
	runCmd.Flags().BoolVar(&runIsolate, "isolate", true, "run inside a branch-bound git worktree")
	runCmd.Flags().StringVar(&runBaseBranch, "base", "", "base branch for a new worktree")
}

var stopCmd = &cobra.Command{
	Use:   "stop <feature-id>",
	Short: "Stop a running execution",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return postJSON("/api/v1/features/"+args[0]+"/stop", map[string]any{}, nil)
	},
}

var loopCmd = &cobra.Command{
	Use:   "loop",
	Short: "Control the auto-dispatch loop",
}

var loopConcurrency int

var loopStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the auto-dispatch loop",
	RunE: func(cmd *cobra.Command, args []string) error {
		proj, err := project()
		if err != nil {
			return err
		}
		err = postJSON("/api/v1/loop/start", map[string]any{
			"project_path":    proj,
			"max_concurrency": loopConcurrency,
		}, nil)
		if err != nil {
			return err
		}
		fmt.Println("loop started")
		return nil
	},
}

func init() {
	loopStartCmd.Flags().IntVar(&loopConcurrency, "concurrency", 0, "max concurrent executions (0 = server default)")
}

var loopStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the auto-dispatch loop",
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp struct {
			StillRunning int `json:"still_running"`
		}
		if err := postJSON("/api/v1/loop/stop", map[string]any{}, &resp); err != nil {
			return err
		}
		fmt.Printf("loop stopped; %d execution(s) still running\n", resp.StillRunning)
		return nil
	},
}
