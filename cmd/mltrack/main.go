// Command mltrack trains random forest models and records the runs in an
// MLflow-compatible tracking store.
//
//	mltrack baseline --experiment wine-baseline
//	mltrack hypertune --config hypertune.yaml --tracking-uri sqlite:///mlflow.db
//	mltrack runs children <parent-run-id>
package main

import (
	"os"

	"github.com/YuminosukeSato/mltrack/cmd/mltrack/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
