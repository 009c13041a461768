package entities

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/quillgraph/quillgraph-backend/internal/domain/knowledge"
	"github.com/quillgraph/quillgraph-backend/internal/pkg/errs"
	"github.com/quillgraph/quillgraph-backend/internal/scope"
)

// SeedReport counts what a template seeded into a fresh graph.
type SeedReport struct {
	Template      string `json:"template"`
	Concepts      int    `json:"concepts"`
	Relationships int    `json:"relationships"`
}

type seedConcept struct {
	name        string
	domain      string
	typ         string
	description string
	tags        []string
}

type seedRel struct {
	src       string
	dst       string
	predicate string
	rationale string
}

type graphTemplate struct {
	concepts []seedConcept
	rels     []seedRel
}

var graphTemplates = map[string]graphTemplate{
	"blank": {},
	"study": {
		concepts: []seedConcept{
			{name: "Learning Goal", domain: "study", typ: "goal", description: "What this graph is working toward.", tags: []string{"starter"}},
			{name: "Study Session", domain: "study", typ: "activity", description: "A focused block of study time.", tags: []string{"starter"}},
			{name: "Active Recall", domain: "study", typ: "technique", description: "Retrieving knowledge from memory instead of re-reading.", tags: []string{"starter", "technique"}},
			{name: "Spaced Repetition", domain: "study", typ: "technique", description: "Reviewing material at increasing intervals.", tags: []string{"starter", "technique"}},
			{name: "Summary Note", domain: "study", typ: "artifact", description: "A condensed write-up of what a session covered.", tags: []string{"starter"}},
		},
		rels: []seedRel{
			{src: "Study Session", dst: "Active Recall", predicate: "APPLIES", rationale: "starter template"},
			{src: "Study Session", dst: "Spaced Repetition", predicate: "APPLIES", rationale: "starter template"},
			{src: "Summary Note", dst: "Learning Goal", predicate: "SUPPORTS", rationale: "starter template"},
		},
	},
	"finance": {
		concepts: []seedConcept{
			{name: "Company", domain: "finance", typ: "entity", description: "A listed company tracked in this graph.", tags: []string{"starter"}},
			{name: "Filing", domain: "finance", typ: "document", description: "A regulatory filing such as a 10-K or 10-Q.", tags: []string{"starter"}},
			{name: "Revenue", domain: "finance", typ: "metric", description: "Reported top-line revenue.", tags: []string{"starter", "metric"}},
			{name: "Risk Factor", domain: "finance", typ: "disclosure", description: "A disclosed risk to the business.", tags: []string{"starter"}},
			{name: "Guidance", domain: "finance", typ: "statement", description: "Forward-looking statements from management.", tags: []string{"starter"}},
		},
		rels: []seedRel{
			{src: "Filing", dst: "Revenue", predicate: "REPORTS", rationale: "starter template"},
			{src: "Filing", dst: "Risk Factor", predicate: "DISCLOSES", rationale: "starter template"},
			{src: "Guidance", dst: "Company", predicate: "ISSUED_BY", rationale: "starter template"},
		},
	},
}

// TemplateIDs lists the known template ids, for surfacing in errors and
// docs.
func TemplateIDs() []string {
	ids := make([]string, 0, len(graphTemplates))
	for id := range graphTemplates {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// SeedTemplate populates a graph with a template's starter concepts and
// accepted relationships. Re-seeding is harmless: existing names are
// reused, existing edges merge.
func (s *service) SeedTemplate(ctx context.Context, active scope.Active, templateID string) (*SeedReport, error) {
	if err := writable(active); err != nil {
		return nil, err
	}
	if templateID == "" {
		templateID = "blank"
	}
	tpl, ok := graphTemplates[templateID]
	if !ok {
		return nil, errs.Wrap(errs.ErrInvalid, "unknown template %q (known: %s)", templateID, strings.Join(TemplateIDs(), ", "))
	}
	report := &SeedReport{Template: templateID}

	idByName := map[string]string{}
	for _, sc := range tpl.concepts {
		c, err := s.CreateConcept(ctx, active, CreateConceptInput{
			Name:        sc.name,
			Domain:      sc.domain,
			Type:        sc.typ,
			Description: sc.description,
			Tags:        sc.tags,
		})
		if err == nil {
			idByName[sc.name] = c.NodeID
			report.Concepts++
			continue
		}
		if !errors.Is(err, errs.ErrConflict) {
			return nil, err
		}
		existing, gerr := s.findLiveByName(ctx, active.GraphID, sc.name)
		if gerr != nil {
			return nil, gerr
		}
		if existing != nil {
			idByName[sc.name] = existing.NodeID
		}
	}

	for _, sr := range tpl.rels {
		srcID, dstID := idByName[sr.src], idByName[sr.dst]
		if srcID == "" || dstID == "" {
			continue
		}
		created, err := s.Relations.CreateOrMerge(ctx, &knowledge.Relationship{
			Predicate:  sr.predicate,
			SourceID:   srcID,
			TargetID:   dstID,
			GraphID:    active.GraphID,
			OnBranches: []string{active.BranchID},
			Status:     knowledge.RelationshipAccepted,
			Confidence: 1,
			Method:     "template",
			Rationale:  sr.rationale,
		})
		if err != nil {
			return nil, err
		}
		if created {
			report.Relationships++
		}
	}
	s.log.Info("graph seeded",
		"graph_id", active.GraphID,
		"template", templateID,
		"concepts", report.Concepts,
		"relationships", report.Relationships)
	return report, nil
}
