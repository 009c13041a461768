package entities

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/quillgraph/quillgraph-backend/internal/domain/knowledge"
	"github.com/quillgraph/quillgraph-backend/internal/scope"
)

const (
	communityMinSize   = 2
	communityCap       = 50
	communityNameTopN  = 3
	communityLLMMaxTry = 8
)

// RebuildCommunities recomputes the graph's clusters from scratch:
// connected components over ACCEPTED relationships between live
// concepts, floored at two members and capped at the fifty largest.
// Names and summaries come from the model when one is configured, from
// degree-ranked member names otherwise.
func (s *service) RebuildCommunities(ctx context.Context, active scope.Active) ([]*knowledge.Community, error) {
	if err := writable(active); err != nil {
		return nil, err
	}
	live, err := s.Concepts.ListLive(ctx, active.GraphID)
	if err != nil {
		return nil, err
	}
	adj, err := s.Communities.AcceptedAdjacency(ctx, active.GraphID)
	if err != nil {
		return nil, err
	}

	liveByID := make(map[string]*knowledge.Concept, len(live))
	for _, c := range live {
		liveByID[c.NodeID] = c
	}
	parent := map[string]string{}
	for id := range liveByID {
		parent[id] = id
	}
	degree := map[string]int{}
	for _, e := range adj {
		if liveByID[e.SrcNodeID] == nil || liveByID[e.DstNodeID] == nil {
			continue
		}
		union(parent, e.SrcNodeID, e.DstNodeID)
		degree[e.SrcNodeID]++
		degree[e.DstNodeID]++
	}

	groups := map[string][]string{}
	for id := range liveByID {
		root := find(parent, id)
		groups[root] = append(groups[root], id)
	}
	var components [][]string
	for _, members := range groups {
		if len(members) < communityMinSize {
			continue
		}
		sort.Strings(members)
		components = append(components, members)
	}
	sort.Slice(components, func(i, j int) bool {
		if len(components[i]) != len(components[j]) {
			return len(components[i]) > len(components[j])
		}
		return components[i][0] < components[j][0]
	})
	if len(components) > communityCap {
		components = components[:communityCap]
	}

	comms := make([]*knowledge.Community, 0, len(components))
	for i, members := range components {
		ranked := rankByDegree(members, degree)
		topNames := make([]string, 0, communityNameTopN)
		for _, id := range ranked {
			if c := liveByID[id]; c != nil && len(topNames) < communityNameTopN {
				topNames = append(topNames, c.Name)
			}
		}
		name, summary := fallbackDescription(len(members), topNames)
		// The model only names the largest few; small tail clusters keep
		// the member-name fallback to bound cost.
		if i < communityLLMMaxTry {
			if n, sum, ok := s.describeCommunity(ctx, active, topNames, len(members)); ok {
				name, summary = n, sum
			}
		}
		comms = append(comms, &knowledge.Community{
			CommunityID: knowledge.CommunityID(active.GraphID, members[0]),
			GraphID:     active.GraphID,
			Name:        name,
			Summary:     summary,
			MemberIDs:   members,
			Size:        len(members),
		})
	}

	if err := s.Communities.ReplaceForGraph(ctx, active.GraphID, comms); err != nil {
		return nil, err
	}
	s.log.Info("communities rebuilt", "graph_id", active.GraphID, "communities", len(comms))
	return comms, nil
}

func find(parent map[string]string, id string) string {
	for parent[id] != id {
		parent[id] = parent[parent[id]]
		id = parent[id]
	}
	return id
}

func union(parent map[string]string, a, b string) {
	ra, rb := find(parent, a), find(parent, b)
	if ra == rb {
		return
	}
	// Smaller root wins so component roots stay stable across runs.
	if rb < ra {
		ra, rb = rb, ra
	}
	parent[rb] = ra
}

func rankByDegree(members []string, degree map[string]int) []string {
	ranked := append([]string(nil), members...)
	sort.Slice(ranked, func(i, j int) bool {
		if degree[ranked[i]] != degree[ranked[j]] {
			return degree[ranked[i]] > degree[ranked[j]]
		}
		return ranked[i] < ranked[j]
	})
	return ranked
}

func fallbackDescription(size int, topNames []string) (string, string) {
	name := strings.Join(topNames, " / ")
	if name == "" {
		name = "Unnamed cluster"
	}
	summary := fmt.Sprintf("%d related concepts including %s.", size, strings.Join(topNames, ", "))
	return name, summary
}

func (s *service) describeCommunity(ctx context.Context, active scope.Active, topNames []string, size int) (string, string, bool) {
	if s.AI == nil || len(topNames) == 0 {
		return "", "", false
	}
	if s.Limiter != nil {
		if err := s.Limiter.Wait(ctx, active.TenantID); err != nil {
			return "", "", false
		}
	}
	system := `ROLE: You name clusters of related knowledge-graph concepts.
TASK: Produce a short name and a one-paragraph summary for the cluster.
OUTPUT: JSON matching the provided schema.
RULES:
- Name under 6 words, no trailing punctuation.
- Summary under 80 words, factual, no preamble.`
	user := fmt.Sprintf("Cluster of %d concepts. Most connected members:\n- %s",
		size, strings.Join(topNames, "\n- "))
	obj, err := s.AI.GenerateJSON(ctx, system, user, "community_description", map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties": map[string]any{
			"name":    map[string]any{"type": "string"},
			"summary": map[string]any{"type": "string"},
		},
		"required": []string{"name", "summary"},
	})
	if err != nil {
		s.log.Warn("community description failed", "error", err, "graph_id", active.GraphID)
		return "", "", false
	}
	var out struct {
		Name    string `json:"name"`
		Summary string `json:"summary"`
	}
	raw, err := json.Marshal(obj)
	if err != nil {
		return "", "", false
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", "", false
	}
	if strings.TrimSpace(out.Name) == "" {
		return "", "", false
	}
	return strings.TrimSpace(out.Name), strings.TrimSpace(out.Summary), true
}
