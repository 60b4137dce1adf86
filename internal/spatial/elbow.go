package spatial

const elbowMaxCandidates = 10

// SuggestClusterCount estimates a good k-means cluster count via the elbow
// method: fit k = 1..min(10, N-1), record inertia per k, and return the k
// at the maximum discrete second derivative of the inertia curve.
//
// Collections too small to produce three candidate k values get fixed
// answers: fewer than 3 documents suggest a single cluster, and fewer than
// 3 candidates default to 2.
func SuggestClusterCount(embeddings [][]float32, seed int64) int {
	n := len(embeddings)
	if n < 3 {
		return 1
	}

	maxK := elbowMaxCandidates
	if n-1 < maxK {
		maxK = n - 1
	}

	inertias := make([]float64, 0, maxK)
	for k := 1; k <= maxK; k++ {
		_, inertia := kMeans(embeddings, k, seed)
		inertias = append(inertias, inertia)
	}

	if len(inertias) < 3 {
		return 2
	}

	// Second derivative of the inertia sequence; the sharpest bend is the
	// elbow. Index i of the derivative corresponds to k = i+2.
	bestIdx, bestVal := 0, inertias[2]-2*inertias[1]+inertias[0]
	for i := 1; i < len(inertias)-2; i++ {
		sd := inertias[i+2] - 2*inertias[i+1] + inertias[i]
		if sd > bestVal {
			bestIdx, bestVal = i, sd
		}
	}

	return bestIdx + 2
}
