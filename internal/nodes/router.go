// Package nodes recommends a regional delivery node for a client and
// tracks node health reported by the external monitor.
package nodes

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"scriptgate/internal/config"
	"scriptgate/pkg/contracts/domain"
)

// ErrUnknownNode is returned by SetHealth for an unregistered node.
var ErrUnknownNode = errors.New("nodes: unknown node")

// regionTable maps ISO country codes and two-letter continent codes to
// delivery regions.
var regionTable = map[string]string{
	// continents
	"NA": "us-east", "SA": "us-east",
	"EU": "eu-west", "AF": "eu-west",
	"AS": "ap-southeast", "OC": "ap-southeast",

	"US": "us-east", "CA": "us-east", "MX": "us-east", "BR": "us-east",
	"AR": "us-east", "CL": "us-east", "CO": "us-east", "PE": "us-east",

	"GB": "eu-west", "IE": "eu-west", "FR": "eu-west", "DE": "eu-west",
	"NL": "eu-west", "BE": "eu-west", "ES": "eu-west", "PT": "eu-west",
	"IT": "eu-west", "CH": "eu-west", "AT": "eu-west", "PL": "eu-west",
	"SE": "eu-west", "NO": "eu-west", "DK": "eu-west", "FI": "eu-west",
	"RU": "eu-west", "UA": "eu-west", "TR": "eu-west", "ZA": "eu-west",
	"EG": "eu-west", "NG": "eu-west", "AE": "eu-west",

	"SG": "ap-southeast", "MY": "ap-southeast", "ID": "ap-southeast",
	"TH": "ap-southeast", "VN": "ap-southeast", "PH": "ap-southeast",
	"JP": "ap-southeast", "KR": "ap-southeast", "CN": "ap-southeast",
	"HK": "ap-southeast", "TW": "ap-southeast", "IN": "ap-southeast",
	"AU": "ap-southeast", "NZ": "ap-southeast",
}

// RegionFor maps a geo hint to a region, or "" when unmapped.
func RegionFor(geoHint string) string {
	return regionTable[strings.ToUpper(strings.TrimSpace(geoHint))]
}

// Listing is the node set as reported to clients.
type Listing struct {
	Nodes        []domain.CDNNode
	HealthyCount int
}

// Router ranks a small fixed set of nodes.
type Router struct {
	mu            sync.RWMutex
	nodes         []domain.CDNNode
	defaultRegion string
	logger        *slog.Logger
}

// NewRouter creates a router over nodes. Unmapped hints use defaultRegion.
func NewRouter(nodes []domain.CDNNode, defaultRegion string, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		nodes:         append([]domain.CDNNode(nil), nodes...),
		defaultRegion: defaultRegion,
		logger:        logger.With(slog.String("component", "node_router")),
	}
}

// FromConfig converts configured nodes.
func FromConfig(cfg []config.NodeConfig) []domain.CDNNode {
	out := make([]domain.CDNNode, 0, len(cfg))
	for _, n := range cfg {
		out = append(out, domain.CDNNode{ID: n.ID, Region: n.Region, URL: n.URL, HealthScore: n.HealthScore})
	}
	return out
}

// Healthy reports whether a node is fit to serve.
func Healthy(n domain.CDNNode) bool {
	return n.HealthScore > config.HealthyNodeScore
}

// Recommend returns the id of the node to use for geoHint: the healthiest
// node of the hinted region, or the healthiest node overall when that one
// is unhealthy. It returns "" when no nodes are registered.
func (r *Router) Recommend(geoHint string) string {
	region := RegionFor(geoHint)
	if region == "" {
		region = r.defaultRegion
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var regional, best *domain.CDNNode
	for i := range r.nodes {
		n := &r.nodes[i]
		if n.Region == region && (regional == nil || n.HealthScore > regional.HealthScore) {
			regional = n
		}
		if best == nil || n.HealthScore > best.HealthScore {
			best = n
		}
	}
	switch {
	case regional != nil && Healthy(*regional):
		return regional.ID
	case best != nil:
		return best.ID
	}
	return ""
}

// ListNodes returns every node and how many are healthy.
func (r *Router) ListNodes() Listing {
	r.mu.RLock()
	defer r.mu.RUnlock()

	l := Listing{Nodes: append([]domain.CDNNode(nil), r.nodes...)}
	for _, n := range r.nodes {
		if Healthy(n) {
			l.HealthyCount++
		}
	}
	sort.SliceStable(l.Nodes, func(i, j int) bool { return l.Nodes[i].ID < l.Nodes[j].ID })
	return l
}

// Node returns a node by id.
func (r *Router) Node(id string) (domain.CDNNode, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, n := range r.nodes {
		if n.ID == id {
			return n, true
		}
	}
	return domain.CDNNode{}, false
}

// SetHealth records a score from the health monitor, clamped to [0, 100].
func (r *Router) SetHealth(ctx context.Context, id string, score int) error {
	score = max(0, min(score, 100))

	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.nodes {
		if r.nodes[i].ID == id {
			prev := r.nodes[i].HealthScore
			r.nodes[i].HealthScore = score
			r.logger.InfoContext(ctx, "Node health updated",
				slog.String("node_id", id),
				slog.Int("previous", prev),
				slog.Int("score", score))
			return nil
		}
	}
	return ErrUnknownNode
}
