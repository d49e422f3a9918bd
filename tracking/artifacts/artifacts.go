// Package artifacts stores run artifacts in a local directory, an
// S3-compatible bucket, or behind an MLflow tracking server's artifact proxy.
package artifacts

import (
	"context"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/YuminosukeSato/mltrack/pkg/errors"
)

// FileInfo describes one entry returned by ListArtifacts.
type FileInfo struct {
	Path     string `json:"path"`
	IsDir    bool   `json:"is_dir"`
	FileSize int64  `json:"file_size,omitempty"`
}

// Repository is an artifact store rooted at one run's artifact URI.
// Artifact paths are slash separated and relative to that root; "" is the root.
type Repository interface {
	// LogArtifact uploads a single file under artifactPath, keeping its base name.
	LogArtifact(ctx context.Context, localPath, artifactPath string) error

	// LogArtifacts uploads the contents of localDir under artifactPath.
	LogArtifacts(ctx context.Context, localDir, artifactPath string) error

	// ListArtifacts lists the direct children of dir.
	ListArtifacts(ctx context.Context, dir string) ([]FileInfo, error)

	// DownloadArtifact copies the artifact at artifactPath into the local file dst.
	DownloadArtifact(ctx context.Context, artifactPath, dst string) error
}

// S3Config holds credentials for s3:// artifact URIs. Empty fields are
// filled from MLFLOW_S3_ENDPOINT_URL, AWS_ACCESS_KEY_ID,
// AWS_SECRET_ACCESS_KEY and AWS_DEFAULT_REGION.
type S3Config struct {
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	Region          string `mapstructure:"region"`
}

// Config carries what a repository needs besides the artifact URI.
type Config struct {
	// TrackingURI resolves mlflow-artifacts: URIs that carry no host.
	TrackingURI string
	HTTPClient  *http.Client
	S3          S3Config
}

// New picks a repository implementation from the scheme of artifactURI.
func New(artifactURI string, cfg Config) (Repository, error) {
	if artifactURI == "" {
		return nil, errors.NewValueError("artifacts.New", "artifact URI is empty")
	}
	u, err := url.Parse(artifactURI)
	if err != nil || len(u.Scheme) <= 1 {
		// bare paths, including Windows drive letters
		return NewLocal(artifactURI), nil
	}
	switch u.Scheme {
	case "file":
		return NewLocal(filepath.FromSlash(u.Path)), nil
	case "s3":
		return NewS3(u.Host, strings.TrimPrefix(u.Path, "/"), cfg.S3)
	case "mlflow-artifacts":
		return NewProxy(u, cfg.TrackingURI, cfg.HTTPClient)
	case "http", "https":
		return NewProxy(u, "", cfg.HTTPClient)
	default:
		return nil, errors.NewValueError("artifacts.New", "unsupported artifact URI scheme "+u.Scheme)
	}
}

// uploadDir walks localDir and hands every regular file to put together
// with the slash-separated directory it belongs in.
func uploadDir(ctx context.Context, localDir, artifactPath string, put func(ctx context.Context, localPath, artifactPath string) error) error {
	info, err := os.Stat(localDir)
	if err != nil {
		return errors.Wrapf(err, "stat %s", localDir)
	}
	if !info.IsDir() {
		return errors.NewValueError("LogArtifacts", localDir+" is not a directory")
	}
	return filepath.WalkDir(localDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(localDir, filepath.Dir(p))
		if err != nil {
			return err
		}
		dir := artifactPath
		if rel != "." {
			dir = joinPath(artifactPath, filepath.ToSlash(rel))
		}
		return put(ctx, p, dir)
	})
}

// joinPath joins artifact path elements, ignoring empty ones.
func joinPath(elem ...string) string {
	parts := elem[:0:0]
	for _, e := range elem {
		if e = strings.Trim(e, "/"); e != "" {
			parts = append(parts, e)
		}
	}
	return path.Join(parts...)
}

// checkArtifactPath rejects paths that escape the run's artifact root.
func checkArtifactPath(p string) error {
	for _, seg := range strings.Split(filepath.ToSlash(p), "/") {
		if seg == ".." {
			return errors.NewValidationError("artifact_path", "must not escape the artifact root", p)
		}
	}
	return nil
}
