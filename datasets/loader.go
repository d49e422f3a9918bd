package datasets

import (
	"bytes"
	"context"
	"embed"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"time"

	units "github.com/docker/go-units"
	"github.com/go-http-utils/headers"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/sjwhitworth/golearn/base"
	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/mltrack/pkg/errors"
	"github.com/YuminosukeSato/mltrack/pkg/log"
	"github.com/YuminosukeSato/mltrack/pkg/retry"
)

// Dataset names accepted by Load.
const (
	Wine         = "wine"
	BreastCancer = "breast_cancer"
)

// DefaultBaseURL is the UCI repository the raw files are fetched from.
const DefaultBaseURL = "https://archive.ics.uci.edu/ml/machine-learning-databases"

var wineFeatureNames = []string{
	"alcohol", "malic_acid", "ash", "alcalinity_of_ash", "magnesium",
	"total_phenols", "flavanoids", "nonflavanoid_phenols", "proanthocyanins",
	"color_intensity", "hue", "od280/od315_of_diluted_wines", "proline",
}

var breastCancerFeatureNames = func() []string {
	measures := []string{
		"radius", "texture", "perimeter", "area", "smoothness", "compactness",
		"concavity", "concave points", "symmetry", "fractal dimension",
	}
	names := make([]string, 0, 30)
	for _, m := range measures {
		names = append(names, "mean "+m)
	}
	for _, m := range measures {
		names = append(names, m+" error")
	}
	for _, m := range measures {
		names = append(names, "worst "+m)
	}
	return names
}()

// The raw UCI files are compiled into the package; go generate refreshes them.
//
//go:generate go run ./internal/fetchdata -dir data
//go:embed data
var bundledFS embed.FS

// bundled is read before any cache or download.
var bundled fs.FS = bundledFS

type source struct {
	path  string // relative to the base URL
	file  string // name under data/
	parse func(t *table) (*Frame, error)
}

var sources = map[string]source{
	Wine:         {path: "wine/wine.data", file: "wine.data", parse: parseWine},
	BreastCancer: {path: "breast-cancer-wisconsin/wdbc.data", file: "wdbc.data", parse: parseBreastCancer},
}

// Names returns the dataset names accepted by Load.
func Names() []string {
	return []string{BreastCancer, Wine}
}

// FileName returns the name of the raw file bundled for dataset name.
func FileName(name string) (string, bool) {
	src, ok := sources[name]
	return src.file, ok
}

type loadConfig struct {
	cacheDir string
	baseURL  string
	client   *http.Client
	refresh  bool
}

// Option configures dataset loading.
type Option func(*loadConfig)

// WithCacheDir sets the directory downloaded files are cached in.
func WithCacheDir(dir string) Option {
	return func(c *loadConfig) { c.cacheDir = dir }
}

// WithBaseURL overrides the repository the raw files are fetched from.
func WithBaseURL(url string) Option {
	return func(c *loadConfig) { c.baseURL = url }
}

// WithHTTPClient sets the client used for downloads.
func WithHTTPClient(client *http.Client) Option {
	return func(c *loadConfig) { c.client = client }
}

// WithRefresh skips the bundled copy and the cache and downloads the file
// again, replacing the cached copy.
func WithRefresh() Option {
	return func(c *loadConfig) { c.refresh = true }
}

func defaultCacheDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "mltrack", "datasets")
	}
	return filepath.Join(os.TempDir(), "mltrack", "datasets")
}

func newLoadConfig(opts []Option) *loadConfig {
	cfg := &loadConfig{
		cacheDir: defaultCacheDir(),
		baseURL:  DefaultBaseURL,
		client:   &http.Client{Timeout: time.Minute},
	}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// Load returns the named dataset from the bundled copy. Without one (or with
// WithRefresh) the raw file comes from the cache or the UCI repository.
func Load(ctx context.Context, name string, opts ...Option) (*Frame, error) {
	src, ok := sources[name]
	if !ok {
		return nil, errors.NewValidationError("dataset", "unknown dataset, expected one of [breast_cancer wine]", name)
	}
	cfg := newLoadConfig(opts)

	data, origin, err := raw(ctx, cfg, name, src)
	if err != nil {
		return nil, err
	}
	inst, err := base.ParseCSVToInstancesFromReader(bytes.NewReader(data), false)
	if err != nil {
		return nil, errors.Wrapf(err, "parse dataset %s", name)
	}
	t, err := newTable(inst)
	if err != nil {
		return nil, errors.Wrapf(err, "parse dataset %s", name)
	}
	frame, err := src.parse(t)
	if err != nil {
		return nil, errors.Wrapf(err, "parse dataset %s", name)
	}

	rows, cols := frame.Dims()
	log.GetLoggerWithName("datasets").Debug("dataset loaded",
		log.DatasetKey, name,
		"origin", origin,
		log.SamplesKey, rows,
		log.FeaturesKey, cols,
		log.ClassesKey, len(frame.TargetNames),
	)
	return frame, nil
}

// LoadWine loads the UCI wine recognition dataset (178 samples, 13 features, 3 classes).
func LoadWine(ctx context.Context, opts ...Option) (*Frame, error) {
	return Load(ctx, Wine, opts...)
}

// LoadBreastCancer loads the Wisconsin diagnostic breast cancer dataset
// (569 samples, 30 features, classes malignant and benign).
func LoadBreastCancer(ctx context.Context, opts ...Option) (*Frame, error) {
	return Load(ctx, BreastCancer, opts...)
}

// raw returns the file contents and where they came from.
func raw(ctx context.Context, cfg *loadConfig, name string, src source) ([]byte, string, error) {
	cached := filepath.Join(cfg.cacheDir, filepath.FromSlash(src.path))
	if !cfg.refresh {
		if data, err := fs.ReadFile(bundled, "data/"+src.file); err == nil {
			return data, "bundled", nil
		}
		if data, err := os.ReadFile(cached); err == nil {
			return data, "cache", nil
		}
	}
	data, err := download(ctx, cfg, name, src.path)
	if err != nil {
		return nil, "", err
	}
	if err := writeCache(cached, data); err != nil {
		return nil, "", err
	}
	return data, "download", nil
}

// Download fetches the raw file of dataset name from the repository,
// bypassing the bundled copy and the cache.
func Download(ctx context.Context, name string, opts ...Option) ([]byte, error) {
	src, ok := sources[name]
	if !ok {
		return nil, errors.NewValidationError("dataset", "unknown dataset, expected one of [breast_cancer wine]", name)
	}
	return download(ctx, newLoadConfig(opts), name, src.path)
}

func download(ctx context.Context, cfg *loadConfig, name, path string) ([]byte, error) {
	url := cfg.baseURL + "/" + path
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "download %s", name)
	}
	req.Header.Set(headers.UserAgent, "mltrack")
	req.Header.Set(headers.Accept, "text/plain, */*")

	client := retry.NewClient(cfg.client, retry.WithLogger(log.GetLoggerWithName("datasets")))
	resp, err := client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "download %s", name)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Newf("download %s: %s returned %s", name, url, resp.Status)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrapf(err, "download %s", name)
	}

	log.GetLoggerWithName("datasets").Info("dataset downloaded",
		log.DatasetKey, name,
		"url", url,
		log.ArtifactSizeKey, units.HumanSize(float64(len(data))),
	)
	return data, nil
}

func writeCache(cached string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(cached), 0o755); err != nil {
		return errors.Wrap(err, "create dataset cache")
	}
	tmp := cached + ".part"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrap(err, "write dataset cache")
	}
	return errors.Wrap(os.Rename(tmp, cached), "write dataset cache")
}

// parseWine maps class 1..3 in the first column to codes 0..2.
func parseWine(t *table) (*Frame, error) {
	if t.cols() != 14 {
		return nil, errors.NewDimensionError("parseWine", 14, t.cols(), 1)
	}
	X := mat.NewDense(t.rows, 13, nil)
	y := mat.NewVecDense(t.rows, nil)
	for i := 0; i < t.rows; i++ {
		class, err := t.float(0, i)
		if err != nil {
			return nil, err
		}
		y.SetVec(i, class-1)
		for j := 1; j < 14; j++ {
			v, err := t.float(j, i)
			if err != nil {
				return nil, err
			}
			X.Set(i, j-1, v)
		}
	}
	return NewFrame(Wine, wineFeatureNames, []string{"class_0", "class_1", "class_2"}, X, y)
}

// parseBreastCancer drops the id column and maps M to 0 and B to 1.
func parseBreastCancer(t *table) (*Frame, error) {
	if t.cols() != 32 {
		return nil, errors.NewDimensionError("parseBreastCancer", 32, t.cols(), 1)
	}
	X := mat.NewDense(t.rows, 30, nil)
	y := mat.NewVecDense(t.rows, nil)
	for i := 0; i < t.rows; i++ {
		switch diagnosis := t.str(1, i); diagnosis {
		case "M":
			y.SetVec(i, 0)
		case "B":
			y.SetVec(i, 1)
		default:
			return nil, errors.NewValueError("parseBreastCancer", "unknown diagnosis "+diagnosis)
		}
		for j := 2; j < 32; j++ {
			v, err := t.float(j, i)
			if err != nil {
				return nil, err
			}
			X.Set(i, j-2, v)
		}
	}
	return NewFrame(BreastCancer, breastCancerFeatureNames, []string{"malignant", "benign"}, X, y)
}
