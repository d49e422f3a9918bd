package datasets

import (
	"fmt"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/YuminosukeSato/mltrack/pkg/errors"
)

// MakeClassification generates Gaussian blobs, one per class, around centres
// drawn from [-3, 3] in every feature. Labels cycle through the classes so each
// class gets nSamples/nClasses rows (the first classes take the remainder).
// The same seed always yields the same frame.
func MakeClassification(nSamples, nFeatures, nClasses int, seed uint64) (*Frame, error) {
	if nSamples < nClasses || nClasses < 2 {
		return nil, errors.NewValidationError("n_classes", "need 2 <= n_classes <= n_samples", nClasses)
	}
	if nFeatures < 1 {
		return nil, errors.NewValidationError("n_features", "must be positive", nFeatures)
	}

	src := rand.NewPCG(seed, seed)
	uniform := distuv.Uniform{Min: -3, Max: 3, Src: src}
	noise := distuv.Normal{Mu: 0, Sigma: 1, Src: src}

	centres := mat.NewDense(nClasses, nFeatures, nil)
	for c := 0; c < nClasses; c++ {
		for j := 0; j < nFeatures; j++ {
			centres.Set(c, j, uniform.Rand())
		}
	}

	X := mat.NewDense(nSamples, nFeatures, nil)
	y := mat.NewVecDense(nSamples, nil)
	for i := 0; i < nSamples; i++ {
		c := i % nClasses
		y.SetVec(i, float64(c))
		for j := 0; j < nFeatures; j++ {
			X.Set(i, j, centres.At(c, j)+noise.Rand())
		}
	}

	featureNames := make([]string, nFeatures)
	for j := range featureNames {
		featureNames[j] = fmt.Sprintf("feature_%d", j)
	}
	targetNames := make([]string, nClasses)
	for c := range targetNames {
		targetNames[c] = fmt.Sprintf("class_%d", c)
	}
	return NewFrame("synthetic", featureNames, targetNames, X, y)
}
