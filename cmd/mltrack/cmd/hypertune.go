package cmd

import (
	"github.com/spf13/cobra"

	"github.com/YuminosukeSato/mltrack/workflow"
)

func (a *app) hyperTuneCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hypertune",
		Short: "Grid-search random forest parameters and log the candidates",
		Long: `Runs a cross-validated grid search over random forest parameters on the
breast cancer dataset (by default). With --mode nested every candidate is
logged as a child run under one parent that holds the best parameters, the
dataset inputs and the model. With --mode best-only a single run holds the
best parameters, CSV snapshots of both splits and the model.

The grid is read from the config file:

  grid:
    n_estimators: [10, 50, 100]
    max_depth: [null, 10, 20, 30]`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, workflow.HyperTuneDefaults(), workflow.RunHyperTune)
		},
	}
	a.workflowFlags(cmd)
	flags := cmd.Flags()
	flags.String("mode", "", "nested or best-only")
	flags.Int("cv", 0, "cross-validation folds")
	flags.Int("verbose", 0, "grid search verbosity")
	a.flagKeys["mode"] = "mode"
	a.flagKeys["cv"] = "cv"
	a.flagKeys["verbose"] = "verbose"
	return cmd
}
