package spatial

import (
	"fmt"

	"github.com/danaugrs/go-tsne/tsne"
	"gonum.org/v1/gonum/mat"
)

const (
	tsneMaxPerplexity = 30
	tsneLearningRate  = 100
	tsneIterations    = 300
)

// tsnePositions runs 3-component t-SNE over the raw embedding matrix.
// Perplexity is capped at N-1, matching the constraint that t-SNE needs at
// least perplexity+1 samples. Any panic inside the library surfaces as an
// error so the caller can fall back to PCA.
func tsnePositions(embeddings [][]float32, seed int64) (out [][3]float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = fmt.Errorf("tsne: %v", r)
		}
	}()

	n := len(embeddings)
	d := len(embeddings[0])

	perplexity := float64(tsneMaxPerplexity)
	if float64(n-1) < perplexity {
		perplexity = float64(n - 1)
	}

	x := mat.NewDense(n, d, nil)
	for i, e := range embeddings {
		for j, v := range e {
			x.Set(i, j, float64(v))
		}
	}

	t := tsne.NewTSNE(3, perplexity, tsneLearningRate, tsneIterations, false)
	y := t.EmbedData(x, nil)

	rows, cols := y.Dims()
	if rows != n || cols < 3 {
		return nil, fmt.Errorf("tsne returned %dx%d embedding, want %dx3", rows, cols, n)
	}

	out = make([][3]float64, n)
	for i := 0; i < n; i++ {
		out[i] = [3]float64{y.At(i, 0), y.At(i, 1), y.At(i, 2)}
	}
	return out, nil
}
