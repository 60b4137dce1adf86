package spatial

import (
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// ProjectionMethod selects the dimensionality-reduction algorithm.
type ProjectionMethod string

const (
	ProjectionPCA  ProjectionMethod = "pca"
	ProjectionTSNE ProjectionMethod = "tsne"
	ProjectionUMAP ProjectionMethod = "umap"
)

// ParseProjectionMethod parses a user-supplied method name.
func ParseProjectionMethod(s string) (ProjectionMethod, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "pca":
		return ProjectionPCA, nil
	case "tsne", "t-sne":
		return ProjectionTSNE, nil
	case "umap":
		return ProjectionUMAP, nil
	}
	return "", fmt.Errorf("unknown projection method %q (want pca, tsne, or umap)", s)
}

// Resolution records which algorithm a requested method actually resolved
// to. Resolution happens once at configuration time so that fallbacks are
// inspectable instead of silently-caught failures.
type Resolution struct {
	Requested ProjectionMethod `json:"requested"`
	Resolved  ProjectionMethod `json:"resolved"`
	Reason    string           `json:"reason,omitempty"`
}

// ResolveProjection maps a requested projection method to the one that will
// run. UMAP has no maintained Go implementation and resolves to PCA.
func ResolveProjection(method ProjectionMethod) Resolution {
	switch method {
	case ProjectionPCA, ProjectionTSNE:
		return Resolution{Requested: method, Resolved: method}
	case ProjectionUMAP:
		return Resolution{
			Requested: method,
			Resolved:  ProjectionPCA,
			Reason:    "umap unavailable in this runtime",
		}
	}
	return Resolution{Requested: method, Resolved: ProjectionPCA, Reason: "unrecognized method"}
}

// Projector reduces a batch of embeddings to positions in 3-space. A
// Projector holds no fitted state between calls; construct one per layout
// computation.
type Projector struct {
	resolution Resolution
	radius     float64
	seed       int64
	logf       func(format string, args ...any)
}

// NewProjector creates a projector for the given method and bounding radius.
// A non-positive radius falls back to DefaultBoundingRadius.
func NewProjector(method ProjectionMethod, radius float64, seed int64) *Projector {
	if radius <= 0 {
		radius = DefaultBoundingRadius
	}
	return &Projector{
		resolution: ResolveProjection(method),
		radius:     radius,
		seed:       seed,
	}
}

// SetLogf installs a logging hook for fallbacks. Nil disables logging.
func (p *Projector) SetLogf(logf func(format string, args ...any)) { p.logf = logf }

// Resolution reports which algorithm this projector runs.
func (p *Projector) Resolution() Resolution { return p.resolution }

// Project reduces embeddings to index-aligned 3D positions and normalizes
// them so the centroid sits at the origin and the farthest point lies
// exactly on the bounding radius.
//
// Empty input yields an empty slice; a single embedding yields the origin,
// since statistical reduction is undefined for one sample. A t-SNE failure
// falls back to PCA without surfacing an error.
func (p *Projector) Project(embeddings [][]float32) ([]Position, error) {
	if _, err := checkDims(embeddings); err != nil {
		return nil, err
	}

	n := len(embeddings)
	if n == 0 {
		return []Position{}, nil
	}
	if n == 1 {
		return []Position{{}}, nil
	}

	var raw [][3]float64
	var err error
	switch p.resolution.Resolved {
	case ProjectionTSNE:
		raw, err = tsnePositions(embeddings, p.seed)
		if err != nil {
			p.logln("tsne projection failed, falling back to pca: %v", err)
			raw = pcaPositions(embeddings)
		}
	default:
		raw = pcaPositions(embeddings)
	}

	return normalizePositions(raw, p.radius), nil
}

func (p *Projector) logln(format string, args ...any) {
	if p.logf != nil {
		p.logf(format, args...)
	}
}

// pcaPositions standardizes the embedding matrix and projects it onto the
// top min(3, N, D) directions of maximum variance via thin SVD. Missing
// components are left zero.
func pcaPositions(embeddings [][]float32) [][3]float64 {
	n := len(embeddings)
	d := len(embeddings[0])

	x := standardized(embeddings)

	k := 3
	if n < k {
		k = n
	}
	if d < k {
		k = d
	}

	out := make([][3]float64, n)

	var svd mat.SVD
	if !svd.Factorize(x, mat.SVDThin) {
		// Degenerate matrix (e.g. all-identical rows standardize to zero).
		// Every point collapses to the origin.
		return out
	}

	var v mat.Dense
	svd.VTo(&v)

	// Columns of V are the principal directions.
	var projected mat.Dense
	projected.Mul(x, v.Slice(0, d, 0, k))

	for i := 0; i < n; i++ {
		for j := 0; j < k; j++ {
			out[i][j] = projected.At(i, j)
		}
	}
	return out
}

// standardized converts embeddings to a dense matrix with zero mean and
// unit variance per feature. Constant features are zeroed, not divided.
func standardized(embeddings [][]float32) *mat.Dense {
	n := len(embeddings)
	d := len(embeddings[0])

	x := mat.NewDense(n, d, nil)
	for i, e := range embeddings {
		for j, v := range e {
			x.Set(i, j, float64(v))
		}
	}

	col := make([]float64, n)
	for j := 0; j < d; j++ {
		mat.Col(col, j, x)
		mean, std := stat.MeanStdDev(col, nil)
		if std == 0 {
			for i := 0; i < n; i++ {
				x.Set(i, j, 0)
			}
			continue
		}
		for i := 0; i < n; i++ {
			x.Set(i, j, (col[i]-mean)/std)
		}
	}
	return x
}

// normalizePositions centers points on their centroid and scales uniformly
// so the farthest point lies on the bounding radius. This is the invariant
// that makes layouts visually comparable regardless of embedding magnitude.
func normalizePositions(raw [][3]float64, radius float64) []Position {
	n := len(raw)
	out := make([]Position, n)
	if n == 0 {
		return out
	}

	var cx, cy, cz float64
	for _, p := range raw {
		cx += p[0]
		cy += p[1]
		cz += p[2]
	}
	cx /= float64(n)
	cy /= float64(n)
	cz /= float64(n)

	maxDist := 0.0
	for i, p := range raw {
		out[i] = Position{X: p[0] - cx, Y: p[1] - cy, Z: p[2] - cz}
		d := out[i].X*out[i].X + out[i].Y*out[i].Y + out[i].Z*out[i].Z
		if d > maxDist {
			maxDist = d
		}
	}

	if maxDist > 0 {
		scale := radius / math.Sqrt(maxDist)
		for i := range out {
			out[i].X *= scale
			out[i].Y *= scale
			out[i].Z *= scale
		}
	}
	return out
}
