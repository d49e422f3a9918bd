package model_selection

import (
	"sort"
	"testing"

	"gonum.org/v1/gonum/mat"
)

func labelled(n int, labels []float64) (*mat.Dense, *mat.VecDense) {
	X := mat.NewDense(n, 2, nil)
	for i := 0; i < n; i++ {
		X.Set(i, 0, float64(i))
		X.Set(i, 1, float64(i*i))
	}
	return X, mat.NewVecDense(n, labels)
}

func TestTrainTestSplit(t *testing.T) {
	X, y := labelled(10, []float64{0, 0, 0, 0, 0, 0, 1, 1, 1, 1})

	tests := []struct {
		name      string
		opts      []SplitOption
		wantTrain int
		wantTest  int
	}{
		{"default quarter", nil, 7, 3},
		{"ceil of test size", []SplitOption{WithTestSize(0.15)}, 8, 2},
		{"tenth", []SplitOption{WithTestSize(0.1), WithRandomState(42)}, 9, 1},
		{"no shuffle", []SplitOption{WithTestSize(0.2), WithShuffle(false)}, 8, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := TrainTestSplit(X, y, tt.opts...)
			if err != nil {
				t.Fatalf("TrainTestSplit failed: %v", err)
			}
			if len(s.TrainIndex) != tt.wantTrain || len(s.TestIndex) != tt.wantTest {
				t.Fatalf("sizes = %d/%d, want %d/%d", len(s.TrainIndex), len(s.TestIndex), tt.wantTrain, tt.wantTest)
			}
			rows, _ := s.XTest.Dims()
			if rows != tt.wantTest || s.YTest.Len() != tt.wantTest {
				t.Errorf("test matrices have %d rows, want %d", rows, tt.wantTest)
			}

			all := append(append([]int(nil), s.TrainIndex...), s.TestIndex...)
			sort.Ints(all)
			for i, v := range all {
				if v != i {
					t.Fatalf("indices do not partition the rows: %v", all)
				}
			}
			for i, row := range s.TestIndex {
				if s.XTest.At(i, 0) != float64(row) || s.YTest.AtVec(i) != y.AtVec(row) {
					t.Errorf("test row %d does not match source row %d", i, row)
				}
			}
		})
	}
}

func TestTrainTestSplit_NoShuffleTakesTail(t *testing.T) {
	X, y := labelled(5, []float64{0, 1, 0, 1, 0})
	s, err := TrainTestSplit(X, y, WithTestSize(0.4), WithShuffle(false))
	if err != nil {
		t.Fatalf("TrainTestSplit failed: %v", err)
	}
	want := []int{3, 4}
	for i := range want {
		if s.TestIndex[i] != want[i] {
			t.Fatalf("TestIndex = %v, want %v", s.TestIndex, want)
		}
	}
}

func TestTrainTestSplit_Reproducible(t *testing.T) {
	X, y := labelled(20, make([]float64, 20))
	a, err := TrainTestSplit(X, y, WithRandomState(42))
	if err != nil {
		t.Fatal(err)
	}
	b, err := TrainTestSplit(X, y, WithRandomState(42))
	if err != nil {
		t.Fatal(err)
	}
	for i := range a.TestIndex {
		if a.TestIndex[i] != b.TestIndex[i] {
			t.Fatalf("same seed gave different splits: %v vs %v", a.TestIndex, b.TestIndex)
		}
	}
}

func TestTrainTestSplit_Stratify(t *testing.T) {
	X, y := labelled(10, []float64{0, 0, 0, 0, 0, 0, 1, 1, 1, 1})
	s, err := TrainTestSplit(X, y, WithStratify(true), WithRandomState(7))
	if err != nil {
		t.Fatalf("TrainTestSplit failed: %v", err)
	}
	counts := map[float64]int{}
	for i := 0; i < s.YTest.Len(); i++ {
		counts[s.YTest.AtVec(i)]++
	}
	// 3 test rows: 1.8 zeros and 1.2 ones, the larger remainder gets the extra row
	if counts[0] != 2 || counts[1] != 1 {
		t.Errorf("test class counts = %v, want 2 zeros and 1 one", counts)
	}
}

func TestTrainTestSplit_Errors(t *testing.T) {
	X, y := labelled(4, []float64{0, 1, 0, 1})
	tests := []struct {
		name string
		X    mat.Matrix
		y    mat.Matrix
		opts []SplitOption
	}{
		{"zero test size", X, y, []SplitOption{WithTestSize(0)}},
		{"full test size", X, y, []SplitOption{WithTestSize(1)}},
		{"empty train side", X, y, []SplitOption{WithTestSize(0.9)}},
		{"row mismatch", X, mat.NewVecDense(3, nil), nil},
		{"stratify without shuffle", X, y, []SplitOption{WithStratify(true), WithShuffle(false)}},
		{"fractional labels", X, mat.NewVecDense(4, []float64{0, 0.5, 1, 1}), nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := TrainTestSplit(tt.X, tt.y, tt.opts...); err == nil {
				t.Error("expected an error")
			}
		})
	}
}
