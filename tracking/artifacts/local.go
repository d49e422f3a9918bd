package artifacts

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/docker/go-units"

	"github.com/YuminosukeSato/mltrack/pkg/errors"
	"github.com/YuminosukeSato/mltrack/pkg/log"
)

// Local stores artifacts in a directory on the local filesystem.
type Local struct {
	root string
}

// NewLocal returns a repository rooted at dir. The directory is created on first write.
func NewLocal(dir string) *Local {
	return &Local{root: dir}
}

// Root returns the repository directory.
func (l *Local) Root() string { return l.root }

func (l *Local) LogArtifact(ctx context.Context, localPath, artifactPath string) error {
	if err := checkArtifactPath(artifactPath); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	dstDir := filepath.Join(l.root, filepath.FromSlash(artifactPath))
	if err := os.MkdirAll(dstDir, 0o755); err != nil {
		return errors.Wrapf(err, "create artifact directory %s", dstDir)
	}
	dst := filepath.Join(dstDir, filepath.Base(localPath))
	n, err := copyFile(localPath, dst)
	if err != nil {
		return err
	}
	log.GetLoggerWithName("artifacts").Debug("artifact stored",
		log.ArtifactKey, joinPath(artifactPath, filepath.Base(localPath)),
		log.ArtifactSizeKey, units.HumanSize(float64(n)),
	)
	return nil
}

func (l *Local) LogArtifacts(ctx context.Context, localDir, artifactPath string) error {
	return uploadDir(ctx, localDir, artifactPath, l.LogArtifact)
}

func (l *Local) ListArtifacts(_ context.Context, dir string) ([]FileInfo, error) {
	if err := checkArtifactPath(dir); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(filepath.Join(l.root, filepath.FromSlash(dir)))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "list artifacts in %q", dir)
	}
	files := make([]FileInfo, 0, len(entries))
	for _, e := range entries {
		fi := FileInfo{Path: joinPath(dir, e.Name()), IsDir: e.IsDir()}
		if !e.IsDir() {
			if info, err := e.Info(); err == nil {
				fi.FileSize = info.Size()
			}
		}
		files = append(files, fi)
	}
	return files, nil
}

func (l *Local) DownloadArtifact(_ context.Context, artifactPath, dst string) error {
	if err := checkArtifactPath(artifactPath); err != nil {
		return err
	}
	_, err := copyFile(filepath.Join(l.root, filepath.FromSlash(artifactPath)), dst)
	return err
}

func copyFile(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, errors.Wrapf(err, "open %s", src)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return 0, errors.Wrapf(err, "create %s", dst)
	}
	n, err := io.Copy(out, in)
	if err != nil {
		out.Close()
		return n, errors.Wrapf(err, "copy %s", src)
	}
	return n, errors.Wrapf(out.Close(), "close %s", dst)
}
