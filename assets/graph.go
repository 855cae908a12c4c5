package assets

import (
	"context"
	"fmt"
	"sort"

	"github.com/apphub/orchestra/runkey"
	"github.com/apphub/orchestra/store"
	"github.com/apphub/orchestra/workflow"
)

type (
	// Graph is the rendered asset dependency graph across every workflow.
	Graph struct {
		Nodes []*GraphNode `json:"nodes"`
		Edges []GraphEdge  `json:"edges"`
	}

	// GraphNode describes one asset with its producers, consumers, latest
	// materializations, and staleness annotations.
	GraphNode struct {
		AssetID                  string                         `json:"assetId"`
		Producers                []AssetRef                     `json:"producers"`
		Consumers                []AssetRef                     `json:"consumers"`
		LatestMaterializations   []*workflow.Materialization    `json:"latestMaterializations,omitempty"`
		StalePartitions          []*workflow.StalePartitionFlag `json:"stalePartitions,omitempty"`
		HasStalePartitions       bool                           `json:"hasStalePartitions"`
		HasOutdatedUpstreams     bool                           `json:"hasOutdatedUpstreams"`
		OutdatedUpstreamAssetIDs []string                       `json:"outdatedUpstreamAssetIds,omitempty"`
	}

	// AssetRef points at the workflow step that produces or consumes an
	// asset.
	AssetRef struct {
		WorkflowDefinitionID string `json:"workflowDefinitionId"`
		WorkflowSlug         string `json:"workflowSlug"`
		StepID               string `json:"stepId"`
	}

	// GraphEdge is one dependency: the step consumes From and produces To.
	GraphEdge struct {
		FromAssetID          string `json:"fromAssetId"`
		ToAssetID            string `json:"toAssetId"`
		StepID               string `json:"stepId"`
		WorkflowDefinitionID string `json:"workflowDefinitionId"`
	}
)

// BuildGraph renders the asset graph from the latest definition versions.
// An upstream is outdated when any of its latest materializations is newer
// than the downstream asset's latest for the same partition, or when the
// downstream has no materialization for that partition at all.
func BuildGraph(ctx context.Context, ws store.WorkflowStore) (*Graph, error) {
	defs, err := ws.ListDefinitions(ctx)
	if err != nil {
		return nil, fmt.Errorf("assets: list definitions: %w", err)
	}
	nodes := make(map[string]*GraphNode)
	node := func(assetID string) *GraphNode {
		n, ok := nodes[assetID]
		if !ok {
			n = &GraphNode{AssetID: assetID}
			nodes[assetID] = n
		}
		return n
	}
	var edges []GraphEdge
	upstreams := make(map[string]map[string]bool)

	for _, def := range defs {
		var walk func(steps []workflow.Step)
		walk = func(steps []workflow.Step) {
			for _, step := range steps {
				ref := AssetRef{WorkflowDefinitionID: def.ID, WorkflowSlug: def.Slug, StepID: step.ID}
				for _, decl := range step.Produces {
					n := node(workflow.NormalizeAssetID(decl.AssetID))
					n.Producers = append(n.Producers, ref)
				}
				for _, decl := range step.Consumes {
					n := node(workflow.NormalizeAssetID(decl.AssetID))
					n.Consumers = append(n.Consumers, ref)
				}
				for _, consumed := range step.Consumes {
					from := workflow.NormalizeAssetID(consumed.AssetID)
					for _, produces := range step.Produces {
						to := workflow.NormalizeAssetID(produces.AssetID)
						edges = append(edges, GraphEdge{
							FromAssetID:          from,
							ToAssetID:            to,
							StepID:               step.ID,
							WorkflowDefinitionID: def.ID,
						})
						if upstreams[to] == nil {
							upstreams[to] = make(map[string]bool)
						}
						upstreams[to][from] = true
					}
				}
				if step.Template != nil {
					walk([]workflow.Step{*step.Template})
				}
			}
		}
		walk(def.Steps)

		mats, err := ws.LatestMaterializations(ctx, def.ID)
		if err != nil {
			return nil, fmt.Errorf("assets: latest materializations for %s: %w", def.Slug, err)
		}
		for _, mat := range mats {
			n := node(workflow.NormalizeAssetID(mat.AssetID))
			n.LatestMaterializations = append(n.LatestMaterializations, mat)
		}
		flags, err := ws.ListStalePartitions(ctx, def.ID)
		if err != nil {
			return nil, fmt.Errorf("assets: stale partitions for %s: %w", def.Slug, err)
		}
		for _, flag := range flags {
			n := node(workflow.NormalizeAssetID(flag.AssetID))
			n.StalePartitions = append(n.StalePartitions, flag)
			n.HasStalePartitions = true
		}
	}

	for assetID, n := range nodes {
		for upstream := range upstreams[assetID] {
			up, ok := nodes[upstream]
			if !ok {
				continue
			}
			if upstreamOutdates(up.LatestMaterializations, n.LatestMaterializations) {
				n.HasOutdatedUpstreams = true
				n.OutdatedUpstreamAssetIDs = append(n.OutdatedUpstreamAssetIDs, upstream)
			}
		}
		sort.Strings(n.OutdatedUpstreamAssetIDs)
	}

	g := &Graph{Edges: edges}
	ids := make([]string, 0, len(nodes))
	for id := range nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		g.Nodes = append(g.Nodes, nodes[id])
	}
	return g, nil
}

// upstreamOutdates reports whether any upstream materialization is newer
// than the downstream one for the same partition key.
func upstreamOutdates(upstream, downstream []*workflow.Materialization) bool {
	if len(upstream) == 0 {
		return false
	}
	byPartition := make(map[string]*workflow.Materialization, len(downstream))
	for _, mat := range downstream {
		key := runkey.Normalize(mat.PartitionKey)
		if cur, ok := byPartition[key]; !ok || mat.ProducedAt.After(cur.ProducedAt) {
			byPartition[key] = mat
		}
	}
	for _, mat := range upstream {
		down, ok := byPartition[runkey.Normalize(mat.PartitionKey)]
		if !ok || mat.ProducedAt.After(down.ProducedAt) {
			return true
		}
	}
	return false
}
