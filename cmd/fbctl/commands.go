package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	httpserver "github.com/fyrsmithlabs/signalfeedback/internal/http"
	"github.com/fyrsmithlabs/signalfeedback/internal/intake"
	"github.com/fyrsmithlabs/signalfeedback/internal/training"
)

type options struct {
	serverURL string
	timeout   time.Duration
	jsonOut   bool
}

func (o *options) client() *apiClient {
	return newAPIClient(o.serverURL, o.timeout)
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:   "fbctl",
		Short: "Admin CLI for the signal feedback service",
		Long: `fbctl inspects and administers learned training data on a feedbackd server:
audit history, rollback, activation, soft deletion, analytics and reprocessing.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.serverURL, "server", "http://localhost:9191", "feedbackd server URL")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "request timeout")
	root.PersistentFlags().BoolVar(&opts.jsonOut, "json", false, "print raw JSON")

	root.AddCommand(
		newHealthCmd(opts),
		newAnalyticsCmd(opts),
		newListCmd(opts),
		newGetCmd(opts),
		newHistoryCmd(opts),
		newRollbackCmd(opts),
		newLifecycleCmd(opts, "activate", "Re-enable a deactivated pattern"),
		newLifecycleCmd(opts, "deactivate", "Disable a pattern without deleting it"),
		newDeleteCmd(opts),
		newReprocessCmd(opts),
	)
	return root
}

func newHealthCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check feedbackd server health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var resp httpserver.HealthResponse
			if err := opts.client().do(cmd.Context(), http.MethodGet, "/health", nil, nil, &resp); err != nil {
				return err
			}
			if opts.jsonOut {
				return printJSON(cmd.OutOrStdout(), resp)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Server Status: %s\n", resp.Status)
			fmt.Fprintf(out, "Server URL: %s\n", opts.serverURL)
			if resp.Version != "" {
				fmt.Fprintf(out, "Version: %s\n", resp.Version)
			}
			for _, name := range []string{"store", "sources"} {
				if status, ok := resp.Services[name]; ok {
					fmt.Fprintf(out, "  %-8s %s\n", name, status)
				}
			}
			return nil
		},
	}
}

func newAnalyticsCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "analytics",
		Short: "Show feedback and pattern totals",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var a training.Analytics
			if err := opts.client().do(cmd.Context(), http.MethodGet, "/api/v1/analytics", nil, nil, &a); err != nil {
				return err
			}
			if opts.jsonOut {
				return printJSON(cmd.OutOrStdout(), a)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Feedback:            %d (%d processed, %d pending)\n",
				a.TotalFeedback, a.ProcessedFeedback, a.UnprocessedFeedback)
			fmt.Fprintf(out, "Patterns:            %d (%d active)\n", a.TotalPatterns, a.ActivePatterns)
			fmt.Fprintf(out, "Average confidence:  %.1f\n", a.AverageConfidence)
			for _, k := range training.Kinds {
				if n := a.FeedbackByKind[k]; n > 0 {
					fmt.Fprintf(out, "  %-15s %d\n", k, n)
				}
			}
			return nil
		},
	}
}

func newListCmd(opts *options) *cobra.Command {
	var signalID, active string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List learned patterns",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := url.Values{}
			if signalID != "" {
				q.Set("signal_id", signalID)
			}
			if active != "" {
				if _, err := strconv.ParseBool(active); err != nil {
					return fmt.Errorf("--active must be true or false")
				}
				q.Set("active", active)
			}
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}

			var rows []training.TrainingData
			if err := opts.client().do(cmd.Context(), http.MethodGet, "/api/v1/training", q, nil, &rows); err != nil {
				return err
			}
			if opts.jsonOut {
				return printJSON(cmd.OutOrStdout(), rows)
			}
			for i := range rows {
				printRow(cmd.OutOrStdout(), &rows[i])
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&signalID, "signal", "", "only patterns for this signal")
	cmd.Flags().StringVar(&active, "active", "", "filter on active state (true|false)")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum rows")
	return cmd
}

func newGetCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "get <training-data-id>",
		Short: "Show one learned pattern",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var td training.TrainingData
			if err := opts.client().do(cmd.Context(), http.MethodGet, "/api/v1/training/"+url.PathEscape(args[0]), nil, nil, &td); err != nil {
				return err
			}
			if opts.jsonOut {
				return printJSON(cmd.OutOrStdout(), td)
			}
			printRow(cmd.OutOrStdout(), &td)
			return nil
		},
	}
}

func newHistoryCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "history <training-data-id>",
		Short: "Show the audit trail of a pattern, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var history []training.History
			path := "/api/v1/training/" + url.PathEscape(args[0]) + "/history"
			if err := opts.client().do(cmd.Context(), http.MethodGet, path, nil, nil, &history); err != nil {
				return err
			}
			if opts.jsonOut {
				return printJSON(cmd.OutOrStdout(), history)
			}
			out := cmd.OutOrStdout()
			for _, h := range history {
				confidence := "-"
				if h.NewValue != nil {
					confidence = strconv.Itoa(h.NewValue.Confidence)
				}
				fmt.Fprintf(out, "v%-4d %-12s %-4s %s %s %s\n",
					h.Version, h.ChangeType, confidence, h.ChangedAt.Format(time.RFC3339), h.UserID, h.Reason)
			}
			return nil
		},
	}
}

func newRollbackCmd(opts *options) *cobra.Command {
	var req httpserver.RollbackRequest
	cmd := &cobra.Command{
		Use:   "rollback <training-data-id>",
		Short: "Restore a pattern to an earlier version",
		Long: `Restore a pattern to the snapshot recorded for --version. The restore is
itself a new version with its own history entry, so it can be rolled back too.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if req.Version < 1 {
				return fmt.Errorf("--version is required")
			}
			var td training.TrainingData
			path := "/api/v1/training/" + url.PathEscape(args[0]) + "/rollback"
			if err := opts.client().do(cmd.Context(), http.MethodPost, path, nil, req, &td); err != nil {
				return err
			}
			if opts.jsonOut {
				return printJSON(cmd.OutOrStdout(), td)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Rolled back to version %d, now at version %d\n", req.Version, td.Version)
			printRow(cmd.OutOrStdout(), &td)
			return nil
		},
	}
	cmd.Flags().IntVar(&req.Version, "version", 0, "version to restore")
	cmd.Flags().StringVar(&req.UserID, "user", "", "acting user id")
	cmd.Flags().StringVar(&req.Reason, "reason", "", "audit reason")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newLifecycleCmd(opts *options, action, short string) *cobra.Command {
	var req httpserver.ChangeRequest
	cmd := &cobra.Command{
		Use:   action + " <training-data-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var td training.TrainingData
			path := "/api/v1/training/" + url.PathEscape(args[0]) + "/" + action
			if err := opts.client().do(cmd.Context(), http.MethodPost, path, nil, req, &td); err != nil {
				return err
			}
			if opts.jsonOut {
				return printJSON(cmd.OutOrStdout(), td)
			}
			printRow(cmd.OutOrStdout(), &td)
			return nil
		},
	}
	cmd.Flags().StringVar(&req.UserID, "user", "", "acting user id")
	cmd.Flags().StringVar(&req.Reason, "reason", "", "audit reason")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newDeleteCmd(opts *options) *cobra.Command {
	var userID, reason string
	cmd := &cobra.Command{
		Use:   "delete <training-data-id>",
		Short: "Soft-delete a pattern; rollback restores it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{"user_id": {userID}}
			if reason != "" {
				q.Set("reason", reason)
			}
			var td training.TrainingData
			if err := opts.client().do(cmd.Context(), http.MethodDelete, "/api/v1/training/"+url.PathEscape(args[0]), q, nil, &td); err != nil {
				return err
			}
			if opts.jsonOut {
				return printJSON(cmd.OutOrStdout(), td)
			}
			printRow(cmd.OutOrStdout(), &td)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "acting user id")
	cmd.Flags().StringVar(&reason, "reason", "", "audit reason")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newReprocessCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "reprocess",
		Short: "Replay feedback that was stored but never applied",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var res intake.ReprocessResult
			if err := opts.client().do(cmd.Context(), http.MethodPost, "/api/v1/reprocess", nil, nil, &res); err != nil {
				return err
			}
			if opts.jsonOut {
				return printJSON(cmd.OutOrStdout(), res)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Scanned %d, applied %d, failed %d\n", res.Scanned, res.Applied, res.Failed)
			return nil
		},
	}
}

func printRow(out io.Writer, td *training.TrainingData) {
	state := "active"
	switch {
	case td.Deleted():
		state = "deleted"
	case !td.Active:
		state = "inactive"
	}
	fmt.Fprintf(out, "%s  %-12s v%-4d %3d%%  +%d/-%d  %-8s %q\n",
		td.ID, td.SignalID, td.Version, td.Confidence, td.PositiveCount, td.NegativeCount, state, td.Pattern)
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
