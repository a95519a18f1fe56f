package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/harnessworks/conductor/internal/config"
	"github.com/harnessworks/conductor/pkg/workload"
)

var workloadsCmd = &cobra.Command{
	Use:   "workloads",
	Short: "Manage submitted workloads",
	Long: `Inspect and manage workload records.

This command group is designed to be automation-friendly:

- stable workload names
- predictable on-disk locations
- optional JSON output for machine parsing`,
}

var workloadsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List workloads",
	RunE:  runWorkloadsList,
}

var workloadsStatusCmd = &cobra.Command{
	Use:   "status <name>",
	Short: "Show status for a workload",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkloadsStatus,
}

var workloadsRetryCmd = &cobra.Command{
	Use:   "retry <name>",
	Short: "Start a new attempt for a failed workload",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkloadsRetry,
}

var workloadsDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Request deletion of a workload",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkloadsDelete,
}

var workloadsAttemptsCmd = &cobra.Command{
	Use:   "attempts <name>",
	Short: "Show the attempt history for a workload's task",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkloadsAttempts,
}

func init() {
	rootCmd.AddCommand(workloadsCmd)
	workloadsCmd.AddCommand(workloadsListCmd)
	workloadsCmd.AddCommand(workloadsStatusCmd)
	workloadsCmd.AddCommand(workloadsRetryCmd)
	workloadsCmd.AddCommand(workloadsDeleteCmd)
	workloadsCmd.AddCommand(workloadsAttemptsCmd)

	workloadsListCmd.Flags().Bool("json", false, "Output as JSON")
	workloadsStatusCmd.Flags().Bool("json", false, "Output as JSON")
	workloadsAttemptsCmd.Flags().Bool("json", false, "Output as JSON")
	workloadsRetryCmd.Flags().Bool("continue", false, "Resume the prior agent session")
}

func openStore(cmd *cobra.Command) (*workload.FileStore, error) {
	cfg, err := config.Load(cmd.Context())
	if err != nil {
		return nil, err
	}
	if root, _ := cmd.Flags().GetString("store-root"); root != "" {
		cfg.Store.Root = root
	}
	return workload.NewFileStore(cfg.Store.Root), nil
}

func runWorkloadsList(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")

	store, err := openStore(cmd)
	if err != nil {
		return err
	}
	workloads, err := store.List(cmd.Context())
	if err != nil {
		return err
	}
	if len(workloads) == 0 {
		_, _ = fmt.Fprintln(os.Stdout, "No workloads found")
		return nil
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(workloads)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintln(w, "NAME\tKIND\tSERVICE\tTASK\tVERSION\tPHASE\tATTEMPTS\tAGE")
	for _, wl := range workloads {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\t%d\t%s\n",
			wl.Name, wl.Spec.Kind, wl.Spec.Service, wl.Spec.TaskID,
			wl.Spec.ContextVersion, wl.Status.Phase, wl.Status.Attempts,
			formatAge(wl.CreatedAt))
	}
	return nil
}

func runWorkloadsStatus(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")

	store, err := openStore(cmd)
	if err != nil {
		return err
	}
	wl, err := store.Get(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(wl)
	}

	fmt.Printf("Name:            %s\n", wl.Name)
	fmt.Printf("Kind:            %s\n", wl.Spec.Kind)
	fmt.Printf("Service:         %s\n", wl.Spec.Service)
	fmt.Printf("Task:            %d\n", wl.Spec.TaskID)
	fmt.Printf("Context version: %d\n", wl.Spec.ContextVersion)
	fmt.Printf("Base branch:     %s\n", wl.Spec.BaseBranch)
	fmt.Printf("Phase:           %s\n", wl.Status.Phase)
	fmt.Printf("Attempts:        %d\n", wl.Status.Attempts)
	if wl.Status.JobRef != "" {
		fmt.Printf("Job:             %s\n", wl.Status.JobRef)
	}
	if wl.Status.Message != "" {
		fmt.Printf("Message:         %s\n", wl.Status.Message)
	}
	if wl.Status.Warning != "" {
		fmt.Printf("Warning:         %s\n", wl.Status.Warning)
	}
	if wl.Status.LastError != "" {
		fmt.Printf("Last error:      [%s] %s\n", wl.Status.ErrorKind, wl.Status.LastError)
	}
	if wl.Status.PullRequestURL != "" {
		fmt.Printf("Pull request:    %s\n", wl.Status.PullRequestURL)
	}
	return nil
}

func runWorkloadsRetry(cmd *cobra.Command, args []string) error {
	continueSession, _ := cmd.Flags().GetBool("continue")

	store, err := openStore(cmd)
	if err != nil {
		return err
	}
	wl, err := workload.Retry(cmd.Context(), store, args[0], continueSession)
	if err != nil {
		return err
	}
	fmt.Printf("Retry accepted: %s now at context version %d (attempt %d)\n",
		wl.Name, wl.Spec.ContextVersion, wl.Status.Attempts)
	return nil
}

func runWorkloadsDelete(cmd *cobra.Command, args []string) error {
	store, err := openStore(cmd)
	if err != nil {
		return err
	}
	if err := store.Delete(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Printf("Deletion requested: %s\n", args[0])
	return nil
}

func runWorkloadsAttempts(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")

	store, err := openStore(cmd)
	if err != nil {
		return err
	}
	wl, err := store.Get(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	attempts, err := store.Attempts(cmd.Context(), wl.Spec.Service, wl.Spec.TaskID)
	if err != nil {
		return err
	}
	if len(attempts) == 0 {
		_, _ = fmt.Fprintln(os.Stdout, "No attempts found")
		return nil
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(attempts)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintln(w, "VERSION\tCONTINUED\tWORKLOAD\tCREATED")
	for _, a := range attempts {
		_, _ = fmt.Fprintf(w, "%d\t%t\t%s\t%s\n",
			a.ContextVersion, a.Continued, a.Workload,
			a.CreatedAt.Format(time.RFC3339))
	}
	return nil
}

func formatAge(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return time.Since(t).Round(time.Second).String()
}
