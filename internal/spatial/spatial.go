// Package spatial maps high-dimensional document embeddings onto a bounded
// 3-dimensional layout for visual exploration.
//
// Four cooperating pieces:
// - Projector: reduces N×D embeddings to N points in 3-space (PCA, t-SNE)
// - Assigner: partitions embeddings into clusters (k-means, density-based)
// - BuildConnections: pairwise-similarity edges above a threshold
// - Organizer: composes the above into a single Layout per collection
//
// Everything here is a synchronous, invocation-scoped computation over an
// in-memory matrix. No state survives a call, so distinct invocations are
// safe to run in parallel.
package spatial

import (
	"errors"
	"fmt"
)

// ErrDimensionMismatch is returned when embeddings in one batch do not all
// share the same dimension.
var ErrDimensionMismatch = errors.New("embeddings have inconsistent dimensions")

// DefaultBoundingRadius is the radius of the sphere positions are scaled into.
const DefaultBoundingRadius = 10.0

// DefaultConnectionThreshold is the minimum cosine similarity for an edge.
const DefaultConnectionThreshold = 0.8

// DefaultSeed seeds k-means and projection randomness for reproducible runs.
const DefaultSeed = 42

// Position is a point in the 3D visualization volume.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Label identifies the cluster a document belongs to. Labels are positional
// outputs of one invocation, not stable identifiers across runs.
type Label int

// LabelNoise marks a document the density clusterer left unassigned.
const LabelNoise Label = -1

// Noise reports whether the label means "unclustered". Callers must check
// this before using the label as a cluster index.
func (l Label) Noise() bool { return l == LabelNoise }

// Document is one input record. The organizer reads Embedding and never
// mutates ID or Metadata.
type Document struct {
	ID        string
	Embedding []float32
	Metadata  map[string]any
}

// ClusterSummary describes one cluster of the computed layout.
type ClusterSummary struct {
	ID            int      `json:"cluster_id"`
	Center        Position `json:"center"`
	Size          int      `json:"size"`
	MemberIndices []int    `json:"member_indices"`
}

// Connection is an undirected similarity edge between two documents,
// identified by index with Source < Target. Strength is cosine similarity
// clamped into [0, 1].
type Connection struct {
	Source   int     `json:"source"`
	Target   int     `json:"target"`
	Strength float64 `json:"strength"`
}

// Layout is the full result of organizing one collection. All slices are
// index-aligned with the input documents.
type Layout struct {
	Positions   []Position       `json:"positions"`
	Labels      []Label          `json:"labels"`
	Clusters    []ClusterSummary `json:"clusters"`
	Connections []Connection     `json:"connections"`
	Spread      float64          `json:"spread"`
}

// checkDims validates that all embeddings share one dimension and returns it.
// An empty batch has dimension 0.
func checkDims(embeddings [][]float32) (int, error) {
	if len(embeddings) == 0 {
		return 0, nil
	}
	dims := len(embeddings[0])
	for i, e := range embeddings {
		if len(e) != dims {
			return 0, fmt.Errorf("embedding %d has %d dimensions, want %d: %w",
				i, len(e), dims, ErrDimensionMismatch)
		}
	}
	return dims, nil
}
