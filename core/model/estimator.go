package model

import "gonum.org/v1/gonum/mat"

// Fitter は学習可能なモデルのインターフェース
type Fitter interface {
	// Fit はモデルを訓練データで学習させる
	Fit(X, y mat.Matrix) error
}

// Predictor は予測可能なモデルのインターフェース
type Predictor interface {
	// Predict は入力データに対する予測を行う
	Predict(X mat.Matrix) (mat.Matrix, error)
}

// Estimator はハイパーパラメータを持ち、未学習の複製を作れるモデル。
// GridSearchCV は Clone と SetParams で候補ごとのモデルを組み立てる。
type Estimator interface {
	Fitter
	Predictor
	ParameterGetter
	ParameterSetter

	// Clone は同じハイパーパラメータを持つ未学習のモデルを返す
	Clone() Estimator
}
