package assets

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/apphub/orchestra/store/memory"
	"github.com/apphub/orchestra/workflow"
)

func TestBuildGraph(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, st.CreateDefinition(ctx, &workflow.Definition{
		ID: "def-up", Slug: "extract", Version: 1,
		Steps: []workflow.Step{{
			Type: workflow.StepTypeJob, ID: "e1", JobSlug: "extract",
			Produces: []workflow.AssetDeclaration{{AssetID: "Raw-Orders"}},
		}},
	}))
	require.NoError(t, st.CreateDefinition(ctx, &workflow.Definition{
		ID: "def-mid", Slug: "transform", Version: 1,
		Steps: []workflow.Step{{
			Type: workflow.StepTypeJob, ID: "t1", JobSlug: "transform",
			Consumes: []workflow.AssetDeclaration{{AssetID: "raw-orders"}},
			Produces: []workflow.AssetDeclaration{{AssetID: "orders-clean"}},
		}},
	}))
	// The report builds per item inside a fan-out template.
	require.NoError(t, st.CreateDefinition(ctx, &workflow.Definition{
		ID: "def-down", Slug: "report", Version: 1,
		Steps: []workflow.Step{{
			Type: workflow.StepTypeFanOut, ID: "r0", Collection: "{{ parameters.items }}",
			Template: &workflow.Step{
				Type: workflow.StepTypeJob, ID: "r1", JobSlug: "report",
				Consumes: []workflow.AssetDeclaration{{AssetID: "orders-clean"}},
				Produces: []workflow.AssetDeclaration{{AssetID: "orders-report"}},
			},
		}},
	}))

	require.NoError(t, st.RecordMaterialization(ctx, &workflow.Materialization{
		WorkflowDefinitionID: "def-up", AssetID: "raw-orders", StepID: "e1", ProducedAt: t0.Add(2 * time.Hour),
	}))
	require.NoError(t, st.RecordMaterialization(ctx, &workflow.Materialization{
		WorkflowDefinitionID: "def-mid", AssetID: "orders-clean", StepID: "t1", ProducedAt: t0.Add(time.Hour),
	}))
	require.NoError(t, st.MarkStalePartition(ctx, &workflow.StalePartitionFlag{
		WorkflowDefinitionID: "def-mid", AssetID: "orders-clean", RequestedAt: t0, RequestedBy: "ops",
	}))

	g, err := BuildGraph(ctx, st)
	require.NoError(t, err)

	require.Len(t, g.Nodes, 3)
	require.Equal(t, "orders-clean", g.Nodes[0].AssetID)
	require.Equal(t, "orders-report", g.Nodes[1].AssetID)
	require.Equal(t, "raw-orders", g.Nodes[2].AssetID)

	clean, report, raw := g.Nodes[0], g.Nodes[1], g.Nodes[2]

	require.Equal(t, []AssetRef{{WorkflowDefinitionID: "def-up", WorkflowSlug: "extract", StepID: "e1"}}, raw.Producers)
	require.Equal(t, []AssetRef{{WorkflowDefinitionID: "def-mid", WorkflowSlug: "transform", StepID: "t1"}}, raw.Consumers)
	require.Equal(t, []AssetRef{{WorkflowDefinitionID: "def-down", WorkflowSlug: "report", StepID: "r1"}}, report.Producers)

	require.Equal(t, []GraphEdge{
		{FromAssetID: "raw-orders", ToAssetID: "orders-clean", StepID: "t1", WorkflowDefinitionID: "def-mid"},
		{FromAssetID: "orders-clean", ToAssetID: "orders-report", StepID: "r1", WorkflowDefinitionID: "def-down"},
	}, g.Edges)

	// The upstream extract ran after the transform, and the report never ran.
	require.True(t, clean.HasOutdatedUpstreams)
	require.Equal(t, []string{"raw-orders"}, clean.OutdatedUpstreamAssetIDs)
	require.True(t, report.HasOutdatedUpstreams)
	require.Equal(t, []string{"orders-clean"}, report.OutdatedUpstreamAssetIDs)
	require.False(t, raw.HasOutdatedUpstreams)

	require.True(t, clean.HasStalePartitions)
	require.Len(t, clean.StalePartitions, 1)
	require.False(t, raw.HasStalePartitions)

	require.Len(t, clean.LatestMaterializations, 1)
	require.Len(t, raw.LatestMaterializations, 1)
	require.Empty(t, report.LatestMaterializations)
}

func TestBuildGraphUsesLatestDefinitionVersion(t *testing.T) {
	ctx := context.Background()
	st := memory.New()

	require.NoError(t, st.CreateDefinition(ctx, &workflow.Definition{
		ID: "def-v1", Slug: "extract", Version: 1,
		Steps: []workflow.Step{{
			Type: workflow.StepTypeJob, ID: "e1", JobSlug: "extract",
			Produces: []workflow.AssetDeclaration{{AssetID: "legacy-orders"}},
		}},
	}))
	require.NoError(t, st.CreateDefinition(ctx, &workflow.Definition{
		ID: "def-v2", Slug: "extract", Version: 2,
		Steps: []workflow.Step{{
			Type: workflow.StepTypeJob, ID: "e1", JobSlug: "extract",
			Produces: []workflow.AssetDeclaration{{AssetID: "raw-orders"}},
		}},
	}))

	g, err := BuildGraph(ctx, st)
	require.NoError(t, err)
	require.Len(t, g.Nodes, 1)
	require.Equal(t, "raw-orders", g.Nodes[0].AssetID)
	require.Equal(t, "def-v2", g.Nodes[0].Producers[0].WorkflowDefinitionID)
}

func TestUpstreamOutdatesComparesPerPartition(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mat := func(partition string, at time.Time) *workflow.Materialization {
		return &workflow.Materialization{AssetID: "a", PartitionKey: partition, ProducedAt: at}
	}

	require.False(t, upstreamOutdates(nil, nil))
	require.True(t, upstreamOutdates([]*workflow.Materialization{mat("", t0)}, nil),
		"downstream never materialized")

	up := []*workflow.Materialization{mat("2026-03", t0)}
	down := []*workflow.Materialization{mat("2026-03", t0.Add(time.Hour))}
	require.False(t, upstreamOutdates(up, down))

	// Partition keys match case-insensitively.
	down = []*workflow.Materialization{mat("2026-MAR", t0.Add(time.Hour))}
	up = []*workflow.Materialization{mat("2026-mar", t0)}
	require.False(t, upstreamOutdates(up, down))

	// A fresher upstream partition outdates the downstream.
	up = append(up, mat("2026-mar", t0.Add(2*time.Hour)))
	require.True(t, upstreamOutdates(up, down))

	// So does an upstream partition the downstream has never seen.
	up = []*workflow.Materialization{mat("2026-apr", t0)}
	require.True(t, upstreamOutdates(up, down))
}
