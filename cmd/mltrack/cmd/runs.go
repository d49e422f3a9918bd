package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	units "github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/YuminosukeSato/mltrack/tracking"
	"github.com/YuminosukeSato/mltrack/workflow"
)

func (a *app) runsCommand() *cobra.Command {
	runs := &cobra.Command{
		Use:   "runs",
		Short: "Inspect recorded runs",
	}

	get := &cobra.Command{
		Use:   "get <run-id>",
		Short: "Print a run as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.client(cmd.Context(), a.trackingConfig())
			if err != nil {
				return err
			}
			defer client.Close()
			rec, err := client.GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(a.out)
			enc.SetIndent("", "  ")
			return enc.Encode(rec)
		},
	}

	children := &cobra.Command{
		Use:   "children <parent-run-id>",
		Short: "List the runs nested under a parent run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.client(cmd.Context(), a.trackingConfig())
			if err != nil {
				return err
			}
			defer client.Close()
			recs, err := client.ListChildRuns(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printRuns(a.out, recs)
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List the runs of --experiment",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg := a.trackingConfig()
			if cfg.Experiment == "" {
				return fmt.Errorf("--experiment is required")
			}
			client, err := a.client(ctx, cfg)
			if err != nil {
				return err
			}
			defer client.Close()
			exp, err := client.Store().GetExperimentByName(ctx, cfg.Experiment)
			if err != nil {
				return err
			}
			status, _ := cmd.Flags().GetString("status")
			recs, err := client.SearchRuns(ctx, tracking.RunFilter{Status: tracking.RunStatus(strings.ToUpper(status))}, exp.ExperimentID)
			if err != nil {
				return err
			}
			return printRuns(a.out, recs)
		},
	}
	list.Flags().String("status", "", "only runs with this status")

	runs.AddCommand(get, children, list)
	return runs
}

// trackingConfig reads only the tracking settings; the workflow sections of
// a shared config file are not validated here.
func (a *app) trackingConfig() workflow.Config {
	var cfg workflow.Config
	cfg.TrackingURI = a.v.GetString("tracking_uri")
	cfg.Experiment = a.v.GetString("experiment")
	_ = a.v.UnmarshalKey("s3", &cfg.S3)
	return cfg
}

func printRuns(out io.Writer, recs []*tracking.RunRecord) error {
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN ID\tNAME\tSTATUS\tDURATION\tMETRICS\tPARAMS")
	for _, rec := range recs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			rec.Info.RunID,
			rec.Info.RunName,
			rec.Info.Status,
			duration(rec.Info),
			formatMetrics(rec.Data.Metrics),
			formatParams(rec.Data.Params),
		)
	}
	return tw.Flush()
}

func duration(info tracking.RunInfo) string {
	if info.EndTime == 0 || info.EndTime < info.StartTime {
		return "-"
	}
	return units.HumanDuration(time.Duration(info.EndTime-info.StartTime) * time.Millisecond)
}

func formatMetrics(metrics []tracking.Metric) string {
	parts := make([]string, 0, len(metrics))
	for _, m := range metrics {
		parts = append(parts, fmt.Sprintf("%s=%.4f", m.Key, m.Value))
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}

func formatParams(params []tracking.Param) string {
	parts := make([]string, 0, len(params))
	for _, p := range params {
		parts = append(parts, p.Key+"="+p.Value)
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}
