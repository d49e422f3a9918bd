package model

import (
	"bufio"
	"encoding/gob"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/ulikunitz/xz"

	"github.com/YuminosukeSato/mltrack/pkg/errors"
)

// Bundle は学習済みモデルとそのメタデータをまとめて保存するための入れ物。
// Model に入れる具体型は gob.Register で登録しておく必要がある。
type Bundle struct {
	ModelType    string
	Params       map[string]string
	FeatureNames []string
	ClassNames   []string
	CreatedAt    time.Time
	Model        Estimator
}

// NewBundle は推定器からバンドルを作る
func NewBundle(m Estimator, featureNames, classNames []string) *Bundle {
	params := make(map[string]string)
	for k, v := range m.GetParams() {
		params[k] = FormatParam(v)
	}
	return &Bundle{
		ModelType:    fmt.Sprintf("%T", m),
		Params:       params,
		FeatureNames: featureNames,
		ClassNames:   classNames,
		CreatedAt:    time.Now().UTC(),
		Model:        m,
	}
}

// FormatParam はパラメータ値を記録用の文字列に変換する。nil は "None" になる。
func FormatParam(v interface{}) string {
	if v == nil {
		return "None"
	}
	switch t := v.(type) {
	case bool:
		if t {
			return "True"
		}
		return "False"
	case string:
		return t
	default:
		return fmt.Sprint(t)
	}
}

// SaveModel はモデルをファイルに保存する。
// パスが ".xz" で終わる場合は xz で圧縮する。
//
// 使用例:
//
//	rf := ensemble.NewRandomForestClassifier()
//	// ... モデルの学習 ...
//	err := model.SaveModel(rf, "model.gob.xz")
func SaveModel(model interface{}, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return errors.Wrapf(err, "failed to create %s", filename)
	}
	if err := SaveModelToWriter(model, file, strings.HasSuffix(filename, ".xz")); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

// LoadModel はファイルからモデルを読み込む。".xz" は展開してから復号する。
func LoadModel(model interface{}, filename string) error {
	file, err := os.Open(filename)
	if err != nil {
		return errors.Wrapf(err, "failed to open %s", filename)
	}
	defer file.Close()

	return LoadModelFromReader(model, file, strings.HasSuffix(filename, ".xz"))
}

// SaveModelToWriter はモデルを io.Writer に gob で書き出す
func SaveModelToWriter(model interface{}, w io.Writer, compress bool) error {
	if !compress {
		if err := gob.NewEncoder(w).Encode(model); err != nil {
			return errors.Wrap(err, "failed to encode model")
		}
		return nil
	}

	xw, err := xz.NewWriter(w)
	if err != nil {
		return errors.Wrap(err, "failed to create xz writer")
	}
	if err := gob.NewEncoder(xw).Encode(model); err != nil {
		xw.Close()
		return errors.Wrap(err, "failed to encode model")
	}
	return errors.Wrap(xw.Close(), "failed to flush xz stream")
}

// LoadModelFromReader は io.Reader からモデルを読み込む
func LoadModelFromReader(model interface{}, r io.Reader, compressed bool) error {
	if compressed {
		xr, err := xz.NewReader(bufio.NewReader(r))
		if err != nil {
			return errors.Wrap(err, "failed to open xz stream")
		}
		r = xr
	}
	if err := gob.NewDecoder(r).Decode(model); err != nil {
		return errors.Wrap(err, "failed to decode model")
	}
	return nil
}
