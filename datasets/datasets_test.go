package datasets

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"testing/fstest"

	"gonum.org/v1/gonum/mat"
)

const wineFixture = `1,14.23,1.71,2.43,15.6,127,2.8,3.06,.28,2.29,5.64,1.04,3.92,1065
1,13.2,1.78,2.14,11.2,100,2.65,2.76,.26,1.28,4.38,1.05,3.4,1050
2,12.37,.94,1.36,10.6,88,1.98,.57,.28,.42,1.95,1.05,1.82,520
3,12.86,1.35,2.32,18,122,1.51,1.25,.21,.94,4.1,.76,1.29,630
`

const wdbcFixture = `842302,M,17.99,10.38,122.8,1001,0.1184,0.2776,0.3001,0.1471,0.2419,0.07871,1.095,0.9053,8.589,153.4,0.006399,0.04904,0.05373,0.01587,0.03003,0.006193,25.38,17.33,184.6,2019,0.1622,0.6656,0.7119,0.2654,0.4601,0.1189
842517,M,20.57,17.77,132.9,1326,0.08474,0.07864,0.0869,0.07017,0.1812,0.05667,0.5435,0.7339,3.398,74.08,0.005225,0.01308,0.0186,0.0134,0.01389,0.003532,24.99,23.41,158.8,1956,0.1238,0.1866,0.2416,0.186,0.275,0.08902
8510426,B,13.54,14.36,87.46,566.3,0.09779,0.08129,0.06664,0.04781,0.1885,0.05766,0.2699,0.7886,2.058,23.56,0.008462,0.0146,0.02387,0.01315,0.0198,0.0023,15.11,19.26,99.7,711.2,0.1441,0.1773,0.239,0.1288,0.2977,0.07259
`

func fixtureServer(t *testing.T, hits *int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(hits, 1)
		switch r.URL.Path {
		case "/wine/wine.data":
			w.Write([]byte(wineFixture))
		case "/breast-cancer-wisconsin/wdbc.data":
			w.Write([]byte(wdbcFixture))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

// withBundle replaces the embedded files for the duration of the test.
func withBundle(t *testing.T, fsys fstest.MapFS) {
	t.Helper()
	prev := bundled
	bundled = fsys
	t.Cleanup(func() { bundled = prev })
}

func TestLoadBundled(t *testing.T) {
	withBundle(t, fstest.MapFS{
		"data/wine.data": {Data: []byte(wineFixture)},
		"data/wdbc.data": {Data: []byte(wdbcFixture)},
	})
	cache := t.TempDir()
	offline := WithBaseURL("http://127.0.0.1:1")

	tests := []struct {
		name string
		rows int
		cols int
	}{
		{name: Wine, rows: 4, cols: 13},
		{name: BreastCancer, rows: 3, cols: 30},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, err := Load(context.Background(), tt.name, offline, WithCacheDir(cache))
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			rows, cols := frame.Dims()
			if rows != tt.rows || cols != tt.cols {
				t.Errorf("Dims() = (%d, %d), want (%d, %d)", rows, cols, tt.rows, tt.cols)
			}
		})
	}

	entries, err := os.ReadDir(cache)
	if err != nil || len(entries) != 0 {
		t.Errorf("bundled load touched the cache: %v %v", entries, err)
	}
}

func TestLoadRefreshSkipsBundle(t *testing.T) {
	withBundle(t, fstest.MapFS{"data/wine.data": {Data: []byte(wineFixture[:strings.Index(wineFixture, "\n")+1])}})
	var hits int32
	srv := fixtureServer(t, &hits)

	frame, err := LoadWine(context.Background(), WithBaseURL(srv.URL), WithCacheDir(t.TempDir()), WithRefresh())
	if err != nil {
		t.Fatalf("LoadWine: %v", err)
	}
	if rows, _ := frame.Dims(); rows != 4 || hits != 1 {
		t.Errorf("refresh gave %d rows after %d downloads, want 4 rows after 1", rows, hits)
	}
}

func TestEmbeddedDatasets(t *testing.T) {
	tests := []struct {
		name   string
		rows   int
		cols   int
		counts []int
	}{
		{name: Wine, rows: 178, cols: 13, counts: []int{59, 71, 48}},
		{name: BreastCancer, rows: 569, cols: 30, counts: []int{212, 357}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			file, _ := FileName(tt.name)
			if _, err := bundledFS.Open("data/" + file); err != nil {
				t.Skipf("%s is not bundled, run go generate ./datasets", file)
			}
			frame, err := Load(context.Background(), tt.name, WithBaseURL("http://127.0.0.1:1"), WithCacheDir(t.TempDir()))
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			rows, cols := frame.Dims()
			if rows != tt.rows || cols != tt.cols {
				t.Errorf("Dims() = (%d, %d), want (%d, %d)", rows, cols, tt.rows, tt.cols)
			}
			counts := frame.ClassCounts()
			for c, want := range tt.counts {
				if counts[c] != want {
					t.Errorf("class %d has %d samples, want %d", c, counts[c], want)
				}
			}
		})
	}
}

func TestLoadWine(t *testing.T) {
	withBundle(t, fstest.MapFS{})
	var hits int32
	srv := fixtureServer(t, &hits)
	cache := t.TempDir()

	frame, err := LoadWine(context.Background(), WithBaseURL(srv.URL), WithCacheDir(cache))
	if err != nil {
		t.Fatalf("LoadWine: %v", err)
	}

	rows, cols := frame.Dims()
	if rows != 4 || cols != 13 {
		t.Fatalf("Dims() = (%d, %d), want (4, 13)", rows, cols)
	}
	wantY := []float64{0, 0, 1, 2}
	for i, want := range wantY {
		if got := frame.Y.AtVec(i); got != want {
			t.Errorf("Y[%d] = %v, want %v", i, got, want)
		}
	}
	if frame.X.At(0, 0) != 14.23 || frame.X.At(0, 12) != 1065 || frame.X.At(2, 1) != 0.94 {
		t.Errorf("unexpected feature values in row 0/2: %v", mat.Formatted(frame.X.RowView(0).T()))
	}
	if frame.FeatureNames[12] != "proline" || frame.TargetNames[2] != "class_2" {
		t.Errorf("unexpected names: %v %v", frame.FeatureNames, frame.TargetNames)
	}

	// second load is served from the cache
	srv.Close()
	if _, err := LoadWine(context.Background(), WithBaseURL(srv.URL), WithCacheDir(cache)); err != nil {
		t.Fatalf("cached LoadWine: %v", err)
	}
	if hits != 1 {
		t.Errorf("expected one download, got %d", hits)
	}
}

func TestLoadBreastCancer(t *testing.T) {
	withBundle(t, fstest.MapFS{})
	var hits int32
	srv := fixtureServer(t, &hits)

	frame, err := Load(context.Background(), BreastCancer, WithBaseURL(srv.URL), WithCacheDir(t.TempDir()))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	rows, cols := frame.Dims()
	if rows != 3 || cols != 30 {
		t.Fatalf("Dims() = (%d, %d), want (3, 30)", rows, cols)
	}
	if frame.Y.AtVec(0) != 0 || frame.Y.AtVec(2) != 1 {
		t.Errorf("M should map to 0 and B to 1, got %v", mat.Formatted(frame.Y.T()))
	}
	if frame.X.At(0, 0) != 17.99 || frame.X.At(2, 29) != 0.07259 {
		t.Errorf("id column was not dropped")
	}
	if frame.FeatureNames[0] != "mean radius" || frame.FeatureNames[10] != "radius error" || frame.FeatureNames[29] != "worst fractal dimension" {
		t.Errorf("unexpected feature names: %v", frame.FeatureNames)
	}
	if frame.TargetNames[0] != "malignant" || frame.TargetNames[1] != "benign" {
		t.Errorf("unexpected target names: %v", frame.TargetNames)
	}
}

func TestLoadErrors(t *testing.T) {
	withBundle(t, fstest.MapFS{})
	var hits int32
	srv := fixtureServer(t, &hits)

	if _, err := Load(context.Background(), "iris"); err == nil {
		t.Error("expected error for unknown dataset")
	}

	_, err := LoadWine(context.Background(), WithBaseURL(srv.URL+"/missing"), WithCacheDir(t.TempDir()))
	if err == nil || !strings.Contains(err.Error(), "404") {
		t.Errorf("expected 404 error, got %v", err)
	}
}

func TestLoadCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flowers.csv")
	data := "length,width,species\n1.0,0.5,setosa\n5.1,1.8,virginica\n4.2,1.3,versicolor\n1.2,0.4,setosa\n"
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	frame, err := LoadCSV(path, "species")
	if err != nil {
		t.Fatalf("LoadCSV: %v", err)
	}
	if frame.Name != "flowers" {
		t.Errorf("Name = %q, want flowers", frame.Name)
	}
	if len(frame.FeatureNames) != 2 || frame.FeatureNames[1] != "width" {
		t.Errorf("unexpected feature names %v", frame.FeatureNames)
	}
	want := []string{"setosa", "versicolor", "virginica"}
	for i, name := range want {
		if frame.TargetNames[i] != name {
			t.Errorf("TargetNames = %v, want %v", frame.TargetNames, want)
			break
		}
	}
	if frame.Y.AtVec(1) != 2 || frame.Y.AtVec(2) != 1 {
		t.Errorf("unexpected label codes %v", mat.Formatted(frame.Y.T()))
	}

	if _, err := LoadCSV(path, "colour"); err == nil {
		t.Error("expected error for missing label column")
	}
}

func TestSortedClasses(t *testing.T) {
	got := sortedClasses([]string{"10", "2", "1", "2"})
	if strings.Join(got, ",") != "1,2,10" {
		t.Errorf("numeric classes sorted as %v", got)
	}
}

func TestMakeClassification(t *testing.T) {
	a, err := MakeClassification(90, 4, 3, 7)
	if err != nil {
		t.Fatalf("MakeClassification: %v", err)
	}
	b, _ := MakeClassification(90, 4, 3, 7)
	if !mat.Equal(a.X, b.X) || !mat.Equal(a.Y, b.Y) {
		t.Error("same seed produced different data")
	}

	counts := a.ClassCounts()
	for c, n := range counts {
		if n != 30 {
			t.Errorf("class %d has %d samples, want 30", c, n)
		}
	}

	if _, err := MakeClassification(1, 4, 3, 7); err == nil {
		t.Error("expected error when n_samples < n_classes")
	}
}

func TestFrameCSVAndMetadata(t *testing.T) {
	X := mat.NewDense(3, 2, []float64{1, 0.25, 2, 1.5, 3, 1e-05})
	y := mat.NewVecDense(3, []float64{0, 1, 0})
	frame, err := NewFrame("toy", []string{"a", "b"}, []string{"no", "yes"}, X, y)
	if err != nil {
		t.Fatalf("NewFrame: %v", err)
	}

	var buf bytes.Buffer
	if err := frame.WriteCSV(&buf); err != nil {
		t.Fatalf("WriteCSV: %v", err)
	}
	want := "a,b,target\n1.0,0.25,0\n2.0,1.5,1\n3.0,1e-05,0\n"
	if buf.String() != want {
		t.Errorf("WriteCSV =\n%s\nwant\n%s", buf.String(), want)
	}

	digest, err := frame.Digest()
	if err != nil || len(digest) != 8 {
		t.Errorf("Digest() = %q, %v", digest, err)
	}
	sub := frame.Subset([]int{2, 0})
	subDigest, _ := sub.Digest()
	if subDigest == digest {
		t.Error("different content should give a different digest")
	}
	if sub.X.At(0, 0) != 3 || sub.Y.AtVec(1) != 0 {
		t.Error("Subset did not keep row order")
	}

	schema, err := frame.Schema()
	if err != nil {
		t.Fatalf("Schema: %v", err)
	}
	var parsed map[string][]map[string]interface{}
	if err := json.Unmarshal([]byte(schema), &parsed); err != nil {
		t.Fatalf("schema is not JSON: %v", err)
	}
	cols := parsed["mlflow_colspec"]
	if len(cols) != 3 || cols[2]["name"] != "target" || cols[2]["type"] != "long" {
		t.Errorf("unexpected schema %s", schema)
	}

	if frame.Profile() != `{"num_elements":9,"num_rows":3}` {
		t.Errorf("Profile() = %s", frame.Profile())
	}
}

func TestNewFrameValidation(t *testing.T) {
	X := mat.NewDense(2, 2, nil)
	if _, err := NewFrame("bad", []string{"a"}, []string{"x"}, X, mat.NewVecDense(2, nil)); err == nil {
		t.Error("expected feature name count error")
	}
	if _, err := NewFrame("bad", []string{"a", "b"}, []string{"x"}, X, mat.NewVecDense(2, []float64{0, 1})); err == nil {
		t.Error("expected unknown label error")
	}
}
