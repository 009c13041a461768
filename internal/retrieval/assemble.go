package retrieval

import (
	"fmt"
	"strings"

	"github.com/quillgraph/quillgraph-backend/internal/domain/knowledge"
)

// bundleCaps are the per-section output caps after detail-level clamping.
type bundleCaps struct {
	entities    int
	claims      int
	claimTrim   int
	sources     int
	edges       int
	communities int
}

func capsFor(q Query, l Limits) bundleCaps {
	if q.DetailLevel == DetailFull {
		return bundleCaps{
			entities:    orDefault(q.LimitEntities, 20),
			claims:      orDefault(q.LimitClaims, 24),
			sources:     orDefault(q.LimitSources, 10),
			edges:       50,
			communities: 5,
		}
	}
	return bundleCaps{
		entities:    minNonZero(q.LimitEntities, 5),
		claims:      minNonZero(q.LimitClaims, 5),
		claimTrim:   l.ClaimTrim,
		sources:     minNonZero(q.LimitSources, 3),
		edges:       10,
		communities: 3,
	}
}

func (s *service) stepAssembleContext(st *execState) (map[string]any, map[string]int, error) {
	caps := capsFor(st.q, s.limits)

	entities := make([]*knowledge.Concept, 0, caps.entities)
	kept := make(map[string]bool, caps.entities)
	for _, id := range st.order {
		if len(entities) >= caps.entities {
			break
		}
		c := st.entities[id]
		entities = append(entities, c)
		kept[id] = true
	}

	// Edges only make sense between entities that survived the cap.
	edges := make([]*knowledge.Relationship, 0, caps.edges)
	for _, e := range st.edges {
		if len(edges) >= caps.edges {
			break
		}
		if kept[e.SourceID] && kept[e.TargetID] {
			edges = append(edges, e)
		}
	}

	claims := make([]*knowledge.Claim, 0, caps.claims)
	for _, cl := range st.claims {
		if len(claims) >= caps.claims {
			break
		}
		if caps.claimTrim > 0 {
			trimmed := *cl
			trimmed.Text = truncateRunes(cl.Text, caps.claimTrim)
			claims = append(claims, &trimmed)
		} else {
			claims = append(claims, cl)
		}
	}

	sources := make([]*SourceRef, 0, caps.sources)
	for _, id := range st.docOrder {
		if len(sources) >= caps.sources {
			break
		}
		doc := st.docs[id]
		ref := &SourceRef{
			DocID:       doc.DocID,
			Title:       doc.Title,
			URL:         doc.URL,
			Source:      doc.Source,
			PublishedAt: doc.PublishedAt,
		}
		if ref.Title == "" && st.artifact != nil && st.artifact.URL == doc.URL {
			ref.Title = st.artifact.Title
		}
		sources = append(sources, ref)
	}

	comms := st.comms
	if len(comms) > caps.communities {
		comms = comms[:caps.communities]
	}

	st.out = Bundle{
		Entities:    entities,
		Edges:       edges,
		Claims:      claims,
		Sources:     sources,
		Communities: comms,
		ContextText: buildContextText(entities, comms, claims, sources, st.chunk, st.notes),
	}
	return nil, map[string]int{
		"entities":    len(entities),
		"edges":       len(edges),
		"claims":      len(claims),
		"sources":     len(sources),
		"communities": len(comms),
	}, nil
}

// buildContextText renders the bundle as plain prose for a downstream
// generator. Always non-empty: an empty bundle still explains itself.
func buildContextText(
	entities []*knowledge.Concept,
	comms []*knowledge.Community,
	claims []*knowledge.Claim,
	sources []*SourceRef,
	chunk *knowledge.SourceChunk,
	notes []string,
) string {
	var b strings.Builder

	if len(entities) > 0 {
		b.WriteString("Focus concepts:\n")
		for _, c := range entities {
			b.WriteString("- " + c.Name)
			if c.Description != "" {
				b.WriteString(": " + truncateRunes(c.Description, 160))
			}
			b.WriteString("\n")
		}
	}
	if len(comms) > 0 {
		b.WriteString("Communities:\n")
		for _, c := range comms {
			fmt.Fprintf(&b, "- %s (%d members)", c.Name, c.Size)
			if c.Summary != "" {
				b.WriteString(": " + c.Summary)
			}
			b.WriteString("\n")
		}
	}
	if len(claims) > 0 {
		b.WriteString("Claims:\n")
		for _, cl := range claims {
			fmt.Fprintf(&b, "- [%.2f] %s\n", cl.Confidence, cl.Text)
		}
	}
	if chunk != nil && chunk.Text != "" {
		b.WriteString("Evidence excerpt:\n")
		b.WriteString(truncateRunes(chunk.Text, 400) + "\n")
	}
	if len(sources) > 0 {
		b.WriteString("Sources:\n")
		for _, src := range sources {
			label := src.Title
			if label == "" {
				label = src.DocID
			}
			b.WriteString("- " + label)
			if src.URL != "" {
				b.WriteString(" (" + src.URL + ")")
			}
			b.WriteString("\n")
		}
	}
	if len(notes) > 0 {
		b.WriteString("Notes:\n")
		for _, n := range notes {
			b.WriteString("- " + n + "\n")
		}
	}
	if b.Len() == 0 {
		return "No graph context matched this query."
	}
	return strings.TrimRight(b.String(), "\n")
}

func minNonZero(v, cap int) int {
	if v > 0 && v < cap {
		return v
	}
	return cap
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
