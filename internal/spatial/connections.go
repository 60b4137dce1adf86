package spatial

// BuildConnections computes an edge for every unordered document pair whose
// cosine similarity meets the threshold. Edges always satisfy
// Source < Target, so no pair appears twice and no self-edge exists.
//
// Strength is the similarity clamped into [0, 1]: semantically opposed
// pairs (negative cosine) report strength 0 rather than a negative value,
// and in practice never clear a positive threshold anyway.
//
// This is intentionally exhaustive O(N²·D) with no nearest-neighbor
// indexing. Collections are bounded by the caller to a few hundred or
// thousand documents per layout request; beyond that this becomes the
// scaling limit of the subsystem.
func BuildConnections(embeddings [][]float32, threshold float64) []Connection {
	n := len(embeddings)
	connections := []Connection{}
	if n < 2 {
		return connections
	}

	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			sim := CosineSimilarity(embeddings[i], embeddings[j])
			if sim >= threshold {
				connections = append(connections, Connection{
					Source:   i,
					Target:   j,
					Strength: clamp(sim, 0, 1),
				})
			}
		}
	}
	return connections
}
