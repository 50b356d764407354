package nodes

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scriptgate/internal/config"
	"scriptgate/pkg/contracts/domain"
)

var ctx = context.Background()

func testNodes() []domain.CDNNode {
	return []domain.CDNNode{
		{ID: "use1", Region: "us-east", URL: "https://use1.example", HealthScore: 90},
		{ID: "euw1", Region: "eu-west", URL: "https://euw1.example", HealthScore: 80},
		{ID: "aps1", Region: "ap-southeast", URL: "https://aps1.example", HealthScore: 70},
	}
}

func TestRecommend(t *testing.T) {
	r := NewRouter(testNodes(), "us-east", nil)

	tests := []struct {
		hint string
		want string
	}{
		{"DE", "euw1"},
		{"de", "euw1"},
		{"JP", "aps1"},
		{"OC", "aps1"},
		{"US", "use1"},
		{"", "use1"},
		{"XX", "use1"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, r.Recommend(tt.hint), tt.hint)
	}
}

func TestRecommendFallsBackWhenRegionUnhealthy(t *testing.T) {
	r := NewRouter(testNodes(), "us-east", nil)
	require.NoError(t, r.SetHealth(ctx, "euw1", 50))

	assert.Equal(t, "use1", r.Recommend("FR"), "score 50 is not healthy")

	require.NoError(t, r.SetHealth(ctx, "use1", 10))
	assert.Equal(t, "aps1", r.Recommend("FR"))
}

func TestRecommendNoNodes(t *testing.T) {
	assert.Empty(t, NewRouter(nil, "us-east", nil).Recommend("US"))
}

func TestListNodes(t *testing.T) {
	r := NewRouter(testNodes(), "us-east", nil)
	require.NoError(t, r.SetHealth(ctx, "aps1", 51))
	require.NoError(t, r.SetHealth(ctx, "euw1", 50))

	l := r.ListNodes()
	assert.Len(t, l.Nodes, 3)
	assert.Equal(t, 2, l.HealthyCount)
	assert.Equal(t, "aps1", l.Nodes[0].ID)
}

func TestSetHealth(t *testing.T) {
	r := NewRouter(testNodes(), "us-east", nil)
	assert.ErrorIs(t, r.SetHealth(ctx, "nope", 10), ErrUnknownNode)

	require.NoError(t, r.SetHealth(ctx, "use1", 500))
	n, ok := r.Node("use1")
	require.True(t, ok)
	assert.Equal(t, 100, n.HealthScore)

	require.NoError(t, r.SetHealth(ctx, "use1", -3))
	n, _ = r.Node("use1")
	assert.Zero(t, n.HealthScore)
}

func TestFromConfig(t *testing.T) {
	nodes := FromConfig(config.DefaultNodes())
	require.NotEmpty(t, nodes)
	assert.NotEmpty(t, nodes[0].URL)
}
