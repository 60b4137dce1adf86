package spatial

import (
	"fmt"
	"math"
	"sort"
)

// Config is the full configuration surface of the organizer. Zero values
// resolve to the documented defaults.
type Config struct {
	ProjectionMethod    ProjectionMethod
	ClusterMethod       ClusterMethod
	NClusters           int // k-means only; 0 derives a count via the elbow heuristic
	ConnectionThreshold float64
	BoundingRadius      float64
	Seed                int64

	// Logf observes recovered fallbacks (e.g. t-SNE → PCA). Nil discards.
	Logf func(format string, args ...any)
}

// Organizer composes projection, clustering, and connection building into
// one coherent per-collection layout. An Organizer is cheap to construct
// and carries no per-invocation state, so one instance may serve
// concurrent Organize calls.
type Organizer struct {
	cfg Config
}

// NewOrganizer creates an organizer, filling defaults for zero-valued
// configuration fields.
func NewOrganizer(cfg Config) *Organizer {
	if cfg.ProjectionMethod == "" {
		cfg.ProjectionMethod = ProjectionPCA
	}
	if cfg.ClusterMethod == "" {
		cfg.ClusterMethod = ClusterDensity
	}
	if cfg.ConnectionThreshold == 0 {
		cfg.ConnectionThreshold = DefaultConnectionThreshold
	}
	if cfg.BoundingRadius <= 0 {
		cfg.BoundingRadius = DefaultBoundingRadius
	}
	if cfg.Seed == 0 {
		cfg.Seed = DefaultSeed
	}
	return &Organizer{cfg: cfg}
}

// ProjectionResolution reports which projection algorithm configuration
// resolved to.
func (o *Organizer) ProjectionResolution() Resolution {
	return ResolveProjection(o.cfg.ProjectionMethod)
}

// Organize computes the spatial layout for a document collection: 3D
// positions, cluster labels and summaries, similarity connections, and the
// overall spread. Projection and clustering run independently over the
// same embedding matrix. An empty collection yields an empty layout, not
// an error.
func (o *Organizer) Organize(docs []Document) (*Layout, error) {
	embeddings := make([][]float32, len(docs))
	for i, doc := range docs {
		embeddings[i] = doc.Embedding
	}

	if _, err := checkDims(embeddings); err != nil {
		return nil, err
	}

	if len(docs) == 0 {
		return &Layout{
			Positions:   []Position{},
			Labels:      []Label{},
			Clusters:    []ClusterSummary{},
			Connections: []Connection{},
		}, nil
	}

	projector := NewProjector(o.cfg.ProjectionMethod, o.cfg.BoundingRadius, o.cfg.Seed)
	projector.SetLogf(o.cfg.Logf)
	positions, err := projector.Project(embeddings)
	if err != nil {
		return nil, fmt.Errorf("projecting embeddings: %w", err)
	}

	nClusters := o.cfg.NClusters
	if o.cfg.ClusterMethod == ClusterKMeans && nClusters == 0 {
		nClusters = SuggestClusterCount(embeddings, o.cfg.Seed)
	}
	assigner := NewAssigner(o.cfg.ClusterMethod, nClusters, o.cfg.Seed)
	labels, err := assigner.Cluster(embeddings)
	if err != nil {
		return nil, fmt.Errorf("clustering embeddings: %w", err)
	}

	connections := BuildConnections(embeddings, o.cfg.ConnectionThreshold)

	return &Layout{
		Positions:   positions,
		Labels:      labels,
		Clusters:    summarizeClusters(positions, labels),
		Connections: connections,
		Spread:      Spread(positions),
	}, nil
}

// summarizeClusters folds per-index labels and positions into per-cluster
// summaries. Noise labels are excluded; the center is the arithmetic mean
// of member positions. Summaries are ordered by cluster id.
func summarizeClusters(positions []Position, labels []Label) []ClusterSummary {
	members := make(map[Label][]int)
	for i, l := range labels {
		if l.Noise() {
			continue
		}
		members[l] = append(members[l], i)
	}

	ids := make([]Label, 0, len(members))
	for id := range members {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	summaries := make([]ClusterSummary, 0, len(ids))
	for _, id := range ids {
		indices := members[id]
		var cx, cy, cz float64
		for _, i := range indices {
			cx += positions[i].X
			cy += positions[i].Y
			cz += positions[i].Z
		}
		size := len(indices)
		summaries = append(summaries, ClusterSummary{
			ID:            int(id),
			Center:        Position{X: cx / float64(size), Y: cy / float64(size), Z: cz / float64(size)},
			Size:          size,
			MemberIndices: indices,
		})
	}
	return summaries
}

// Spread is the mean distance of positions from their centroid, a scalar
// measure of how spread out the collection is. Fewer than two positions
// have zero spread.
func Spread(positions []Position) float64 {
	n := len(positions)
	if n < 2 {
		return 0
	}

	var cx, cy, cz float64
	for _, p := range positions {
		cx += p.X
		cy += p.Y
		cz += p.Z
	}
	cx /= float64(n)
	cy /= float64(n)
	cz /= float64(n)

	var total float64
	for _, p := range positions {
		dx, dy, dz := p.X-cx, p.Y-cy, p.Z-cz
		total += math.Sqrt(dx*dx + dy*dy + dz*dz)
	}
	return total / float64(n)
}
