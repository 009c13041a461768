package entities

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"unicode"

	"github.com/quillgraph/quillgraph-backend/internal/domain/knowledge"
	"github.com/quillgraph/quillgraph-backend/internal/scope"
)

const (
	mergeScoreThreshold = 0.82
	mergeTopK           = 3
	mergePairCap        = 3000

	mergeStringWeight = 0.4
	mergeEmbedWeight  = 0.6
)

// MergeCandidateReport summarizes one generation run.
type MergeCandidateReport struct {
	Evaluated  int                         `json:"evaluated"`
	Created    int                         `json:"created"`
	Candidates []*knowledge.MergeCandidate `json:"candidates"`
}

// GenerateMergeCandidates blocks live concepts on the first three
// characters of the normalized name, scores pairs inside each block
// (hybrid string+embedding when vectors exist, string-only otherwise),
// keeps the top candidates per node above the threshold and upserts
// them under deterministic pair ids. Re-runs re-upsert the same ids.
func (s *service) GenerateMergeCandidates(ctx context.Context, active scope.Active) (*MergeCandidateReport, error) {
	if err := writable(active); err != nil {
		return nil, err
	}
	live, err := s.Concepts.ListLive(ctx, active.GraphID)
	if err != nil {
		return nil, err
	}
	report := &MergeCandidateReport{}
	if len(live) < 2 {
		return report, nil
	}
	vectors := s.candidateVectors(ctx, active, live)

	blocks := map[string][]*knowledge.Concept{}
	for _, c := range live {
		key := blockKey(c.Name)
		if key == "" {
			continue
		}
		blocks[key] = append(blocks[key], c)
	}
	blockKeys := make([]string, 0, len(blocks))
	for k := range blocks {
		blockKeys = append(blockKeys, k)
	}
	sort.Strings(blockKeys)

	perNode := map[string][]*knowledge.MergeCandidate{}
capped:
	for _, key := range blockKeys {
		nodes := blocks[key]
		sort.Slice(nodes, func(i, j int) bool { return nodes[i].NodeID < nodes[j].NodeID })
		for i := 0; i < len(nodes); i++ {
			for j := i + 1; j < len(nodes); j++ {
				if report.Evaluated >= mergePairCap {
					s.log.Warn("merge candidate pair cap reached",
						"graph_id", active.GraphID, "evaluated", report.Evaluated)
					break capped
				}
				report.Evaluated++
				score, method, rationale := scorePair(nodes[i], nodes[j], vectors)
				if score < mergeScoreThreshold {
					continue
				}
				cand := &knowledge.MergeCandidate{
					CandidateID: knowledge.MergeCandidateID(active.GraphID, nodes[i].NodeID, nodes[j].NodeID),
					GraphID:     active.GraphID,
					SrcNodeID:   nodes[i].NodeID,
					DstNodeID:   nodes[j].NodeID,
					Score:       score,
					Method:      method,
					Rationale:   rationale,
					Status:      knowledge.MergeProposed,
				}
				perNode[nodes[i].NodeID] = append(perNode[nodes[i].NodeID], cand)
				perNode[nodes[j].NodeID] = append(perNode[nodes[j].NodeID], cand)
			}
		}
	}

	chosen := map[string]*knowledge.MergeCandidate{}
	for _, list := range perNode {
		sort.Slice(list, func(i, j int) bool {
			if list[i].Score != list[j].Score {
				return list[i].Score > list[j].Score
			}
			return list[i].CandidateID < list[j].CandidateID
		})
		for k := 0; k < len(list) && k < mergeTopK; k++ {
			chosen[list[k].CandidateID] = list[k]
		}
	}
	if len(chosen) == 0 {
		return report, nil
	}
	cands := make([]*knowledge.MergeCandidate, 0, len(chosen))
	for _, c := range chosen {
		cands = append(cands, c)
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].Score != cands[j].Score {
			return cands[i].Score > cands[j].Score
		}
		return cands[i].CandidateID < cands[j].CandidateID
	})

	created, err := s.Merges.UpsertCandidates(ctx, active.GraphID, cands)
	if err != nil {
		return nil, err
	}
	report.Created = created
	report.Candidates = cands
	s.log.Info("merge candidates generated",
		"graph_id", active.GraphID,
		"evaluated", report.Evaluated,
		"kept", len(cands),
		"created", created)
	return report, nil
}

// candidateVectors returns the similarity basis for each node: the
// stored concept embedding when present, a freshly cached embedding of
// name+description+tags otherwise. A nil map means string-only scoring.
func (s *service) candidateVectors(ctx context.Context, active scope.Active, live []*knowledge.Concept) map[string][]float64 {
	vectors := map[string][]float64{}
	var missing []*knowledge.Concept
	for _, c := range live {
		if len(c.Embedding) > 0 {
			vectors[c.NodeID] = c.Embedding
			continue
		}
		missing = append(missing, c)
	}
	if len(missing) == 0 {
		return vectors
	}
	if s.AI == nil {
		if len(vectors) == 0 {
			return nil
		}
		return vectors
	}
	if s.Limiter != nil {
		if err := s.Limiter.Wait(ctx, active.TenantID); err != nil {
			return vectors
		}
	}
	texts := make([]string, len(missing))
	for i, c := range missing {
		texts[i] = embeddingText(c)
	}
	vecs, err := s.Cache.EmbedCached(ctx, s.AI.Embed, texts)
	if err != nil {
		s.log.Warn("merge candidate embeddings failed", "error", err, "graph_id", active.GraphID)
		return vectors
	}
	for i, v := range vecs {
		if i >= len(missing) || len(v) == 0 {
			continue
		}
		f := make([]float64, len(v))
		for k, x := range v {
			f[k] = float64(x)
		}
		vectors[missing[i].NodeID] = f
	}
	return vectors
}

func scorePair(a, b *knowledge.Concept, vectors map[string][]float64) (float64, string, string) {
	str := tokenSetRatio(normalizeName(a.Name), normalizeName(b.Name))
	va, vb := vectors[a.NodeID], vectors[b.NodeID]
	if len(va) > 0 && len(vb) > 0 {
		cos := cosine(va, vb)
		if cos < 0 {
			cos = 0
		}
		score := mergeStringWeight*str + mergeEmbedWeight*cos
		return score, "hybrid", fmt.Sprintf("string %.2f, embedding %.2f", str, cos)
	}
	return str, "string", fmt.Sprintf("string %.2f", str)
}

// normalizeName lowercases, folds punctuation to spaces and collapses
// whitespace; the result feeds both blocking and token scoring.
func normalizeName(name string) string {
	var sb strings.Builder
	for _, r := range strings.ToLower(name) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			sb.WriteRune(r)
		} else {
			sb.WriteByte(' ')
		}
	}
	return strings.Join(strings.Fields(sb.String()), " ")
}

func blockKey(name string) string {
	n := normalizeName(name)
	runes := []rune(n)
	if len(runes) == 0 {
		return ""
	}
	if len(runes) > 3 {
		runes = runes[:3]
	}
	return string(runes)
}

// tokenSetRatio scores token overlap in [0,1]. A subset relation scores
// 1 ("apple" vs "apple inc"), otherwise the Dice coefficient applies.
func tokenSetRatio(a, b string) float64 {
	ta := tokenSet(a)
	tb := tokenSet(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	inter := 0
	for t := range ta {
		if tb[t] {
			inter++
		}
	}
	if inter > 0 && (inter == len(ta) || inter == len(tb)) {
		return 1
	}
	return 2 * float64(inter) / float64(len(ta)+len(tb))
}

func tokenSet(s string) map[string]bool {
	set := map[string]bool{}
	for _, t := range strings.Fields(s) {
		set[t] = true
	}
	return set
}

func cosine(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
