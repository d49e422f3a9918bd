// Command fetchdata downloads the raw UCI files bundled with the datasets package.
package main

import (
	"context"
	"flag"
	"os"
	"path/filepath"

	"github.com/YuminosukeSato/mltrack/datasets"
	"github.com/YuminosukeSato/mltrack/pkg/errors"
	"github.com/YuminosukeSato/mltrack/pkg/log"
)

func main() {
	dir := flag.String("dir", "data", "output directory")
	baseURL := flag.String("base-url", datasets.DefaultBaseURL, "repository base URL")
	flag.Parse()

	logger := log.GetLoggerWithName("fetchdata")
	if err := fetch(context.Background(), *dir, *baseURL); err != nil {
		logger.Error("fetch failed", err)
		os.Exit(1)
	}
}

func fetch(ctx context.Context, dir, baseURL string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "create output directory")
	}
	for _, name := range datasets.Names() {
		data, err := datasets.Download(ctx, name, datasets.WithBaseURL(baseURL))
		if err != nil {
			return err
		}
		file, _ := datasets.FileName(name)
		if err := os.WriteFile(filepath.Join(dir, file), data, 0o644); err != nil {
			return errors.Wrapf(err, "write %s", file)
		}
	}
	return nil
}
