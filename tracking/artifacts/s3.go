package artifacts

import (
	"context"
	"mime"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/docker/go-units"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/YuminosukeSato/mltrack/pkg/errors"
	"github.com/YuminosukeSato/mltrack/pkg/log"
)

const defaultS3Endpoint = "s3.amazonaws.com"

// S3 stores artifacts in an S3-compatible bucket under a key prefix.
type S3 struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewS3 connects to the bucket behind an s3://bucket/prefix artifact URI.
func NewS3(bucket, prefix string, cfg S3Config) (*S3, error) {
	if bucket == "" {
		return nil, errors.NewValueError("artifacts.NewS3", "bucket name is empty")
	}
	cfg = cfg.withEnv()
	endpoint, secure, err := parseEndpoint(cfg.Endpoint)
	if err != nil {
		return nil, err
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: secure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, errors.Wrap(err, "new minio client failed")
	}
	return &S3{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}, nil
}

func (c S3Config) withEnv() S3Config {
	if c.Endpoint == "" {
		c.Endpoint = os.Getenv("MLFLOW_S3_ENDPOINT_URL")
	}
	if c.AccessKeyID == "" {
		c.AccessKeyID = os.Getenv("AWS_ACCESS_KEY_ID")
	}
	if c.SecretAccessKey == "" {
		c.SecretAccessKey = os.Getenv("AWS_SECRET_ACCESS_KEY")
	}
	if c.Region == "" {
		c.Region = os.Getenv("AWS_DEFAULT_REGION")
	}
	return c
}

// parseEndpoint accepts "host:port" or a URL and reports whether TLS is used.
func parseEndpoint(endpoint string) (string, bool, error) {
	if endpoint == "" {
		return defaultS3Endpoint, true, nil
	}
	if !strings.Contains(endpoint, "://") {
		return endpoint, true, nil
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", false, errors.Wrapf(err, "invalid S3 endpoint %q", endpoint)
	}
	return u.Host, u.Scheme == "https", nil
}

func (s *S3) key(elem ...string) string {
	return joinPath(append([]string{s.prefix}, elem...)...)
}

func (s *S3) LogArtifact(ctx context.Context, localPath, artifactPath string) error {
	if err := checkArtifactPath(artifactPath); err != nil {
		return err
	}
	key := s.key(artifactPath, filepath.Base(localPath))
	info, err := s.client.FPutObject(ctx, s.bucket, key, localPath, minio.PutObjectOptions{
		ContentType: mime.TypeByExtension(filepath.Ext(localPath)),
	})
	if err != nil {
		return errors.Wrapf(err, "upload %s to s3://%s/%s", localPath, s.bucket, key)
	}
	log.GetLoggerWithName("artifacts").Debug("artifact uploaded",
		log.ArtifactKey, "s3://"+s.bucket+"/"+key,
		log.ArtifactSizeKey, units.HumanSize(float64(info.Size)),
	)
	return nil
}

func (s *S3) LogArtifacts(ctx context.Context, localDir, artifactPath string) error {
	return uploadDir(ctx, localDir, artifactPath, s.LogArtifact)
}

func (s *S3) ListArtifacts(ctx context.Context, dir string) ([]FileInfo, error) {
	if err := checkArtifactPath(dir); err != nil {
		return nil, err
	}
	prefix := s.key(dir)
	if prefix != "" {
		prefix += "/"
	}
	var files []FileInfo
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix}) {
		if obj.Err != nil {
			return nil, errors.Wrapf(obj.Err, "list s3://%s/%s", s.bucket, prefix)
		}
		rel := strings.TrimPrefix(obj.Key, prefix)
		isDir := strings.HasSuffix(rel, "/")
		fi := FileInfo{Path: joinPath(dir, strings.TrimSuffix(rel, "/")), IsDir: isDir}
		if !isDir {
			fi.FileSize = obj.Size
		}
		files = append(files, fi)
	}
	return files, nil
}

func (s *S3) DownloadArtifact(ctx context.Context, artifactPath, dst string) error {
	if err := checkArtifactPath(artifactPath); err != nil {
		return err
	}
	key := s.key(artifactPath)
	if err := s.client.FGetObject(ctx, s.bucket, key, dst, minio.GetObjectOptions{}); err != nil {
		return errors.Wrapf(err, "download s3://%s/%s", s.bucket, key)
	}
	return nil
}
