package artifacts

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/docker/go-units"
	"github.com/go-http-utils/headers"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/YuminosukeSato/mltrack/pkg/errors"
	"github.com/YuminosukeSato/mltrack/pkg/log"
	"github.com/YuminosukeSato/mltrack/pkg/retry"
)

// ProxyEndpoint is the tracking server route that serves proxied artifacts.
const ProxyEndpoint = "/api/2.0/mlflow-artifacts/artifacts"

// Proxy stores artifacts through a tracking server's artifact proxy
// (mlflow server --serve-artifacts).
type Proxy struct {
	base   string // server origin, e.g. http://127.0.0.1:5000
	root   string // run root below the proxy endpoint
	client *retryablehttp.Client
}

// NewProxy resolves an mlflow-artifacts: URI (or an http URI pointing at the
// proxy endpoint) into a repository. trackingURI supplies the server when the
// URI has no host. Requests are retried on connection errors, 429 and 5xx.
func NewProxy(u *url.URL, trackingURI string, client *http.Client) (*Proxy, error) {
	p := &Proxy{client: retry.NewClient(client, retry.WithLogger(log.GetLoggerWithName("artifacts")))}
	switch {
	case u.Scheme == "http" || u.Scheme == "https":
		i := strings.Index(u.Path, ProxyEndpoint)
		if i < 0 {
			return nil, errors.NewValueError("artifacts.NewProxy", "URI does not point at "+ProxyEndpoint)
		}
		p.base = u.Scheme + "://" + u.Host + u.Path[:i]
		p.root = strings.Trim(u.Path[i+len(ProxyEndpoint):], "/")
	case u.Host != "":
		p.base = "http://" + u.Host
		p.root = strings.Trim(u.Path, "/")
	default:
		t, err := url.Parse(trackingURI)
		if err != nil || (t.Scheme != "http" && t.Scheme != "https") {
			return nil, errors.NewValueError("artifacts.NewProxy",
				"mlflow-artifacts URIs need an http(s) tracking URI, got "+trackingURI)
		}
		p.base = strings.TrimRight(trackingURI, "/")
		p.root = strings.Trim(u.Path, "/")
	}
	return p, nil
}

func (p *Proxy) url(artifactPath string) string {
	rel := joinPath(p.root, artifactPath)
	segs := strings.Split(rel, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return p.base + ProxyEndpoint + "/" + strings.Join(segs, "/")
}

func (p *Proxy) do(req *retryablehttp.Request) (*http.Response, error) {
	req.Header.Set(headers.UserAgent, "mltrack")
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "%s %s", req.Method, req.URL)
	}
	if resp.StatusCode/100 != 2 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, errors.NewHTTPTrackingError("artifacts", errors.CodeInternalError, resp.StatusCode,
			fmt.Sprintf("%s %s: %s", req.Method, req.URL.Path, strings.TrimSpace(string(body))))
	}
	return resp, nil
}

func (p *Proxy) LogArtifact(ctx context.Context, localPath, artifactPath string) error {
	if err := checkArtifactPath(artifactPath); err != nil {
		return err
	}
	f, err := os.Open(localPath)
	if err != nil {
		return errors.Wrapf(err, "open %s", localPath)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return errors.Wrapf(err, "stat %s", localPath)
	}

	target := p.url(joinPath(artifactPath, filepath.Base(localPath)))
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPut, target, f)
	if err != nil {
		return errors.Wrap(err, "build upload request")
	}
	req.ContentLength = info.Size()
	contentType := mime.TypeByExtension(filepath.Ext(localPath))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	req.Header.Set(headers.ContentType, contentType)

	resp, err := p.do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	log.GetLoggerWithName("artifacts").Debug("artifact uploaded",
		log.ArtifactKey, target,
		log.ArtifactSizeKey, units.HumanSize(float64(info.Size())),
	)
	return nil
}

func (p *Proxy) LogArtifacts(ctx context.Context, localDir, artifactPath string) error {
	return uploadDir(ctx, localDir, artifactPath, p.LogArtifact)
}

type listResponse struct {
	Files []FileInfo `json:"files"`
}

func (p *Proxy) ListArtifacts(ctx context.Context, dir string) ([]FileInfo, error) {
	if err := checkArtifactPath(dir); err != nil {
		return nil, err
	}
	q := url.Values{}
	if rel := joinPath(p.root, dir); rel != "" {
		q.Set("path", rel)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, p.base+ProxyEndpoint+"?"+q.Encode(), nil)
	if err != nil {
		return nil, errors.Wrap(err, "build list request")
	}
	req.Header.Set(headers.Accept, "application/json")
	resp, err := p.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out listResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, errors.Wrap(err, "decode artifact listing")
	}
	// the server lists names relative to the requested directory
	for i := range out.Files {
		out.Files[i].Path = joinPath(dir, out.Files[i].Path)
	}
	return out.Files, nil
}

func (p *Proxy) DownloadArtifact(ctx context.Context, artifactPath, dst string) error {
	if err := checkArtifactPath(artifactPath); err != nil {
		return err
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, p.url(artifactPath), nil)
	if err != nil {
		return errors.Wrap(err, "build download request")
	}
	resp, err := p.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	out, err := os.Create(dst)
	if err != nil {
		return errors.Wrapf(err, "create %s", dst)
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		return errors.Wrapf(err, "download %s", artifactPath)
	}
	return errors.Wrapf(out.Close(), "close %s", dst)
}
