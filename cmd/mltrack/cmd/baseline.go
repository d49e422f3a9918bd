package cmd

import (
	"github.com/spf13/cobra"

	"github.com/YuminosukeSato/mltrack/workflow"
)

func (a *app) baselineCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "baseline",
		Short: "Train one random forest and log accuracy, parameters and the confusion matrix",
		Long: `Trains a random forest on a 90/10 split of the wine dataset (by default)
and records the test accuracy, the model parameters, a confusion matrix plot
and the source file in one run.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, workflow.BaselineDefaults(), workflow.RunBaseline)
		},
	}
	a.workflowFlags(cmd)
	flags := cmd.Flags()
	flags.Int("n-estimators", 0, "number of trees")
	flags.Int("max-depth", 0, "maximum tree depth")
	a.flagKeys["n-estimators"] = "model.n_estimators"
	a.flagKeys["max-depth"] = "model.max_depth"
	return cmd
}
