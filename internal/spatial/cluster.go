package spatial

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strings"
)

// ClusterMethod selects the partitioning algorithm.
type ClusterMethod string

const (
	ClusterKMeans  ClusterMethod = "kmeans"
	ClusterDensity ClusterMethod = "density"
)

// ParseClusterMethod parses a user-supplied method name.
func ParseClusterMethod(s string) (ClusterMethod, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "density", "hdbscan", "dbscan":
		return ClusterDensity, nil
	case "kmeans", "k-means":
		return ClusterKMeans, nil
	}
	return "", fmt.Errorf("unknown cluster method %q (want kmeans or density)", s)
}

const (
	kmeansMaxIterations = 100
	kmeansTolerance     = 1e-4

	// Fixed parameters for the fallback density pass, matching classic
	// DBSCAN defaults over raw embedding space.
	densityFallbackEps    = 0.5
	densityFallbackMinPts = 2
)

// Assigner partitions embeddings into clusters. Like the Projector it holds
// no fitted state between calls.
type Assigner struct {
	method    ClusterMethod
	nClusters int
	seed      int64
}

// NewAssigner creates an assigner. nClusters is only consulted for k-means;
// pass 0 to let the caller derive one via SuggestClusterCount first.
func NewAssigner(method ClusterMethod, nClusters int, seed int64) *Assigner {
	return &Assigner{method: method, nClusters: nClusters, seed: seed}
}

// Cluster returns one label per embedding, index-aligned with the input.
//
// Fewer than two samples cannot be meaningfully partitioned: every document
// gets label 0 and no error. K-means clamps the requested cluster count to
// N. The density path may emit LabelNoise for points it deems noise;
// callers must treat that as "unclustered", not as a cluster index.
func (a *Assigner) Cluster(embeddings [][]float32) ([]Label, error) {
	if _, err := checkDims(embeddings); err != nil {
		return nil, err
	}

	n := len(embeddings)
	if n == 0 {
		return []Label{}, nil
	}
	if n < 2 {
		return []Label{0}, nil
	}

	if a.method == ClusterKMeans && a.nClusters > 0 {
		k := a.nClusters
		if k > n {
			k = n
		}
		assignments, _ := kMeans(embeddings, k, a.seed)
		return assignments, nil
	}

	return densityCluster(embeddings), nil
}

// kMeans runs seeded k-means++ and returns per-point labels plus the final
// inertia (within-cluster sum of squared distances). Deterministic for a
// given seed and input, though label numbering is arbitrary per fit.
func kMeans(embeddings [][]float32, k int, seed int64) ([]Label, float64) {
	n := len(embeddings)
	d := len(embeddings[0])
	rng := rand.New(rand.NewSource(seed))

	centroids := kMeansPlusPlusInit(embeddings, k, rng)
	labels := make([]Label, n)

	var inertia float64
	for iter := 0; iter < kmeansMaxIterations; iter++ {
		// Assignment step.
		inertia = 0
		for i, e := range embeddings {
			best, bestDist := 0, math.MaxFloat64
			for c := range centroids {
				dist := sqEuclidean(e, centroids[c])
				if dist < bestDist {
					best, bestDist = c, dist
				}
			}
			labels[i] = Label(best)
			inertia += bestDist
		}

		// Update step.
		sums := make([][]float64, k)
		counts := make([]int, k)
		for c := range sums {
			sums[c] = make([]float64, d)
		}
		for i, e := range embeddings {
			c := int(labels[i])
			counts[c]++
			for j, v := range e {
				sums[c][j] += float64(v)
			}
		}

		drift := 0.0
		for c := range centroids {
			if counts[c] == 0 {
				// Empty cluster: reseed from a random point.
				copyVec(centroids[c], embeddings[rng.Intn(n)])
				continue
			}
			for j := range centroids[c] {
				next := sums[c][j] / float64(counts[c])
				delta := next - centroids[c][j]
				drift += delta * delta
				centroids[c][j] = next
			}
		}

		if drift < kmeansTolerance {
			break
		}
	}

	return labels, inertia
}

// kMeansPlusPlusInit picks initial centroids with probability proportional
// to squared distance from the nearest already-chosen centroid.
func kMeansPlusPlusInit(embeddings [][]float32, k int, rng *rand.Rand) [][]float64 {
	n := len(embeddings)
	d := len(embeddings[0])

	centroids := make([][]float64, 0, k)
	first := make([]float64, d)
	copyVec(first, embeddings[rng.Intn(n)])
	centroids = append(centroids, first)

	dists := make([]float64, n)
	for len(centroids) < k {
		total := 0.0
		for i, e := range embeddings {
			best := math.MaxFloat64
			for _, c := range centroids {
				if dist := sqEuclidean(e, c); dist < best {
					best = dist
				}
			}
			dists[i] = best
			total += best
		}

		idx := n - 1
		if total > 0 {
			target := rng.Float64() * total
			acc := 0.0
			for i, dist := range dists {
				acc += dist
				if acc >= target {
					idx = i
					break
				}
			}
		} else {
			idx = rng.Intn(n)
		}

		next := make([]float64, d)
		copyVec(next, embeddings[idx])
		centroids = append(centroids, next)
	}
	return centroids
}

// densityCluster is the automatic-cluster-count path: DBSCAN with an eps
// derived from the k-distance curve and a minimum cluster size that scales
// with the collection (max(2, N/10)). If the derived eps degenerates, the
// fixed-parameter fallback runs instead, which may label points as noise.
func densityCluster(embeddings [][]float32) []Label {
	n := len(embeddings)

	minPts := n / 10
	if minPts < 2 {
		minPts = 2
	}

	eps := estimateEps(embeddings, minPts)
	if eps <= 0 {
		return dbscan(embeddings, densityFallbackEps, densityFallbackMinPts)
	}

	labels := dbscan(embeddings, eps, minPts)

	// All-noise means the scaled parameters were too strict for this
	// collection; retry with the permissive fixed parameters.
	allNoise := true
	for _, l := range labels {
		if !l.Noise() {
			allNoise = false
			break
		}
	}
	if allNoise {
		return dbscan(embeddings, densityFallbackEps, densityFallbackMinPts)
	}
	return labels
}

// estimateEps returns the median k-th nearest-neighbor distance, a standard
// heuristic for picking a DBSCAN radius without user input.
func estimateEps(embeddings [][]float32, k int) float64 {
	n := len(embeddings)
	if k >= n {
		k = n - 1
	}
	if k < 1 {
		return 0
	}

	kth := make([]float64, 0, n)
	dists := make([]float64, 0, n-1)
	for i := range embeddings {
		dists = dists[:0]
		for j := range embeddings {
			if i == j {
				continue
			}
			dists = append(dists, math.Sqrt(sqEuclidean32(embeddings[i], embeddings[j])))
		}
		sort.Float64s(dists)
		kth = append(kth, dists[k-1])
	}

	sort.Float64s(kth)
	return kth[len(kth)/2]
}

// dbscan is a straightforward density scan over euclidean distance. Label
// values start at 0; unreachable points get LabelNoise.
func dbscan(embeddings [][]float32, eps float64, minPts int) []Label {
	n := len(embeddings)
	const unvisited = Label(-2)

	labels := make([]Label, n)
	for i := range labels {
		labels[i] = unvisited
	}

	clusterID := Label(0)
	for i := 0; i < n; i++ {
		if labels[i] != unvisited {
			continue
		}

		neighbors := regionQuery(embeddings, i, eps)
		if len(neighbors) < minPts {
			labels[i] = LabelNoise
			continue
		}

		labels[i] = clusterID
		seed := append([]int(nil), neighbors...)
		for len(seed) > 0 {
			q := seed[0]
			seed = seed[1:]

			if labels[q] == LabelNoise {
				labels[q] = clusterID
			}
			if labels[q] != unvisited {
				continue
			}
			labels[q] = clusterID

			qNeighbors := regionQuery(embeddings, q, eps)
			if len(qNeighbors) >= minPts {
				seed = append(seed, qNeighbors...)
			}
		}
		clusterID++
	}

	return labels
}

// regionQuery returns indices within eps of point idx, including idx itself.
func regionQuery(embeddings [][]float32, idx int, eps float64) []int {
	var result []int
	epsSq := eps * eps
	for i := range embeddings {
		if sqEuclidean32(embeddings[idx], embeddings[i]) <= epsSq {
			result = append(result, i)
		}
	}
	return result
}

func sqEuclidean(a []float32, b []float64) float64 {
	var sum float64
	for i := range a {
		delta := float64(a[i]) - b[i]
		sum += delta * delta
	}
	return sum
}

func sqEuclidean32(a, b []float32) float64 {
	var sum float64
	for i := range a {
		delta := float64(a[i]) - float64(b[i])
		sum += delta * delta
	}
	return sum
}

func copyVec(dst []float64, src []float32) {
	for i, v := range src {
		dst[i] = float64(v)
	}
}
