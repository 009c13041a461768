package retrieval

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/quillgraph/quillgraph-backend/internal/data/graph"
	"github.com/quillgraph/quillgraph-backend/internal/domain/knowledge"
	"github.com/quillgraph/quillgraph-backend/internal/scope"
)

// execState accumulates plan output across steps. Focus concepts drive
// claim fetches and neighbor expansion; entities is everything surfaced.
type execState struct {
	q        Query
	msg      string
	ticker   string
	residual string
	queryVec []float64

	focus    []*knowledge.Concept
	focusIDs map[string]bool
	entities map[string]*knowledge.Concept
	order    []string
	edges    []*knowledge.Relationship
	edgeSeen map[string]bool
	claims   []*knowledge.Claim
	comms    []*knowledge.Community
	docs     map[string]*knowledge.SourceDocument
	docOrder []string
	chunk    *knowledge.SourceChunk
	artifact *knowledge.Artifact
	notes    []string

	out Bundle
}

func newExecState(q Query, msg string) *execState {
	return &execState{
		q:        q,
		msg:      msg,
		focusIDs: map[string]bool{},
		entities: map[string]*knowledge.Concept{},
		edgeSeen: map[string]bool{},
		docs:     map[string]*knowledge.SourceDocument{},
	}
}

func (st *execState) addEntity(c *knowledge.Concept) bool {
	if c == nil || c.NodeID == "" {
		return false
	}
	if _, ok := st.entities[c.NodeID]; ok {
		return false
	}
	st.entities[c.NodeID] = c
	st.order = append(st.order, c.NodeID)
	return true
}

func (st *execState) addFocus(c *knowledge.Concept) bool {
	if c == nil || c.NodeID == "" || st.focusIDs[c.NodeID] {
		return false
	}
	st.focusIDs[c.NodeID] = true
	st.focus = append(st.focus, c)
	st.addEntity(c)
	return true
}

func (st *execState) addEdge(rel *knowledge.Relationship) bool {
	if rel == nil {
		return false
	}
	key := rel.SourceID + "|" + rel.TargetID + "|" + rel.Predicate
	if st.edgeSeen[key] {
		return false
	}
	st.edgeSeen[key] = true
	st.edges = append(st.edges, rel)
	return true
}

func (st *execState) rememberDoc(d *knowledge.SourceDocument) {
	if d == nil || d.DocID == "" {
		return
	}
	if _, ok := st.docs[d.DocID]; !ok {
		st.docs[d.DocID] = d
		st.docOrder = append(st.docOrder, d.DocID)
	}
}

func (st *execState) note(msg string) {
	st.notes = append(st.notes, msg)
}

func (st *execState) focusNodeIDs() []string {
	ids := make([]string, 0, len(st.focus))
	for _, c := range st.focus {
		ids = append(ids, c.NodeID)
	}
	return ids
}

func (st *execState) queryText() string {
	if st.residual != "" {
		return st.residual
	}
	return st.msg
}

func (s *service) stepResolveConcept(ctx context.Context, vis scope.Visibility, st *execState) (map[string]any, map[string]int, error) {
	name := trimQueryPunct(st.msg)
	if name == "" {
		st.note("empty query")
		return nil, map[string]int{"resolved": 0}, nil
	}
	c, err := s.Concepts.GetByName(ctx, vis, name)
	if err != nil {
		return nil, nil, err
	}
	if c == nil && name != st.msg {
		if c, err = s.Concepts.GetByName(ctx, vis, st.msg); err != nil {
			return nil, nil, err
		}
	}
	if c == nil {
		st.note(fmt.Sprintf("no concept named %q on this branch", name))
		return nil, map[string]int{"resolved": 0}, nil
	}
	st.addFocus(c)
	return map[string]any{"name": c.Name}, map[string]int{"resolved": 1}, nil
}

func (s *service) stepEmbedQuery(ctx context.Context, active scope.Active, st *execState) (map[string]any, map[string]int, error) {
	text := st.queryText()
	if text == "" {
		return nil, map[string]int{"embedded": 0}, nil
	}
	vec, err := s.embedText(ctx, active, text)
	if err != nil {
		return nil, nil, err
	}
	if len(vec) == 0 {
		st.note("semantic matching unavailable")
		return nil, map[string]int{"embedded": 0}, nil
	}
	st.queryVec = vec
	return nil, map[string]int{"dims": len(vec)}, nil
}

func (s *service) stepVectorMatch(ctx context.Context, vis scope.Visibility, st *execState) (map[string]any, map[string]int, error) {
	if len(st.queryVec) == 0 {
		return nil, map[string]int{"matched": 0}, nil
	}
	cands, err := s.Concepts.ListWithEmbeddings(ctx, vis, s.limits.VectorCap)
	if err != nil {
		return nil, nil, err
	}
	type scored struct {
		c     *knowledge.Concept
		score float64
	}
	ranked := make([]scored, 0, len(cands))
	for _, c := range cands {
		if len(c.Embedding) == 0 {
			continue
		}
		ranked = append(ranked, scored{c: c, score: cosine64(st.queryVec, c.Embedding)})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].c.NodeID < ranked[j].c.NodeID
	})
	topK := orDefault(st.q.LimitEntities, 8)
	matched := 0
	for _, r := range ranked {
		if matched >= topK {
			break
		}
		if st.addFocus(r.c) {
			matched++
		}
	}
	if matched == 0 {
		st.note("no embedded concepts matched the query")
	}
	return nil, map[string]int{"candidates": len(cands), "matched": matched}, nil
}

func (s *service) stepExpandNeighbors(ctx context.Context, vis scope.Visibility, st *execState) (map[string]any, map[string]int, error) {
	added, edges := 0, 0
	// Expansion fans out from the first few focus concepts only; a wide
	// vector match would otherwise pull the whole graph.
	for i, c := range st.focus {
		if i >= 5 {
			break
		}
		ns, err := s.Concepts.Neighbors(ctx, vis, c.NodeID, s.limits.NeighborLimit)
		if err != nil {
			return nil, nil, err
		}
		for _, n := range ns {
			nc := n.Concept
			if st.addEntity(&nc) {
				added++
			}
			rel := n.Rel
			if st.addEdge(&rel) {
				edges++
			}
		}
	}
	return nil, map[string]int{"neighbors": added, "edges": edges}, nil
}

func (s *service) stepClaimsForFocus(ctx context.Context, vis scope.Visibility, st *execState) (map[string]any, map[string]int, error) {
	ids := st.focusNodeIDs()
	if len(ids) == 0 {
		st.note("no focus concepts matched")
		return nil, map[string]int{"claims": 0}, nil
	}
	limit := orDefault(st.q.LimitClaims, 24)
	if st.q.RecencyDays > 0 {
		// Headroom for the recency window; out-of-window claims drop later.
		limit *= 2
	}
	claims, err := s.Claims.ListForConcepts(ctx, vis, ids, graph.ClaimFilter{
		MinConfidence: st.q.Strictness.MinConfidence(),
		Limit:         limit,
	})
	if err != nil {
		return nil, nil, err
	}
	st.claims = claims
	return nil, map[string]int{"claims": len(claims)}, nil
}

func (s *service) stepCollectSources(ctx context.Context, vis scope.Visibility, st *execState) (map[string]any, map[string]int, error) {
	var cutoff time.Time
	if st.q.RecencyDays > 0 {
		cutoff = time.Now().AddDate(0, 0, -st.q.RecencyDays)
	}
	kept := st.claims[:0]
	dropped := 0
	for _, cl := range st.claims {
		doc, err := s.docFor(ctx, vis.GraphID, cl.SourceID, st)
		if err != nil {
			return nil, nil, err
		}
		if !cutoff.IsZero() && doc != nil && doc.PublishedAt != nil && doc.PublishedAt.Before(cutoff) {
			dropped++
			continue
		}
		kept = append(kept, cl)
		st.rememberDoc(doc)
	}
	st.claims = kept
	counts := map[string]int{"sources": len(st.docOrder)}
	if dropped > 0 {
		counts["dropped_out_of_window"] = dropped
	}
	return nil, counts, nil
}

func (s *service) docFor(ctx context.Context, graphID, docID string, st *execState) (*knowledge.SourceDocument, error) {
	if docID == "" {
		return nil, nil
	}
	if d, ok := st.docs[docID]; ok {
		return d, nil
	}
	d, err := s.Sources.GetDocument(ctx, graphID, docID)
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (s *service) stepDetectTicker(st *execState) (map[string]any, map[string]int, error) {
	m := tickerCaptureRe.FindStringSubmatch(st.msg)
	if m == nil {
		st.note("no ticker prefix in the query")
		return nil, map[string]int{"detected": 0}, nil
	}
	st.ticker = m[1]
	st.residual = strings.TrimSpace(m[2])
	return map[string]any{"ticker": st.ticker}, map[string]int{"detected": 1}, nil
}

func (s *service) stepResolveAnchor(ctx context.Context, vis scope.Visibility, st *execState) (map[string]any, map[string]int, error) {
	if st.ticker == "" {
		return nil, map[string]int{"resolved": 0}, nil
	}
	c, err := s.Concepts.GetByName(ctx, vis, st.ticker)
	if err != nil {
		return nil, nil, err
	}
	if c == nil {
		live, err := s.Concepts.ListLive(ctx, vis.GraphID)
		if err != nil {
			return nil, nil, err
		}
		tickerTag := "ticker:" + strings.ToLower(st.ticker)
		for _, x := range live {
			if !onBranch(x.OnBranches, vis.BranchID) {
				continue
			}
			if anchorMatches(x, st.ticker, tickerTag) {
				c = x
				break
			}
		}
	}
	if c == nil {
		st.note(fmt.Sprintf("no company concept for ticker %s", st.ticker))
		return nil, map[string]int{"resolved": 0}, nil
	}
	st.addFocus(c)
	return map[string]any{"anchor": c.Name}, map[string]int{"resolved": 1}, nil
}

func anchorMatches(c *knowledge.Concept, ticker, tickerTag string) bool {
	if strings.EqualFold(c.Name, ticker) {
		return true
	}
	for _, a := range c.AliasNames {
		if strings.EqualFold(a, ticker) {
			return true
		}
	}
	for _, t := range c.Tags {
		if strings.EqualFold(t, ticker) || strings.EqualFold(t, tickerTag) {
			return true
		}
	}
	return false
}

func (s *service) stepMatchCommunities(ctx context.Context, active scope.Active, vis scope.Visibility, st *execState) (map[string]any, map[string]int, error) {
	comms, err := s.Communities.ListByGraph(ctx, vis.GraphID, 50)
	if err != nil {
		return nil, nil, err
	}
	if len(comms) == 0 {
		st.note("no communities built for this graph yet")
		return nil, map[string]int{"communities": 0}, nil
	}

	matchText := st.queryText()
	if len(st.focus) > 0 {
		matchText = strings.TrimSpace(st.focus[0].Name + " " + matchText)
	}
	top := s.rankCommunities(ctx, active, comms, matchText, st)
	if len(top) > 3 {
		top = top[:3]
	}
	st.comms = top

	memberAdds := 0
	if len(top) > 0 {
		live, err := s.Concepts.ListLive(ctx, vis.GraphID)
		if err != nil {
			return nil, nil, err
		}
		liveByID := make(map[string]*knowledge.Concept, len(live))
		for _, c := range live {
			if onBranch(c.OnBranches, vis.BranchID) {
				liveByID[c.NodeID] = c
			}
		}
		budget := s.limits.MaxConcepts
		for _, comm := range top {
			for _, id := range comm.MemberIDs {
				if memberAdds >= budget {
					break
				}
				if c := liveByID[id]; c != nil && st.addFocus(c) {
					memberAdds++
				}
			}
		}
	}
	return nil, map[string]int{"communities": len(top), "member_focus": memberAdds}, nil
}

// rankCommunities orders communities by embedding similarity to the
// query when a model is available. Without one, communities holding the
// anchor concept come first and the size ordering breaks ties.
func (s *service) rankCommunities(ctx context.Context, active scope.Active, comms []*knowledge.Community, matchText string, st *execState) []*knowledge.Community {
	if s.AI != nil && matchText != "" {
		vec, err := s.embedText(ctx, active, matchText)
		if err == nil && len(vec) > 0 {
			texts := make([]string, len(comms))
			for i, c := range comms {
				texts[i] = c.Name + ": " + c.Summary
			}
			if vecs, err := s.Cache.EmbedCached(ctx, s.AI.Embed, texts); err == nil && len(vecs) == len(comms) {
				type scored struct {
					c     *knowledge.Community
					score float64
				}
				ranked := make([]scored, len(comms))
				for i, c := range comms {
					ranked[i] = scored{c: c, score: cosine64(vec, toFloat64Vec(vecs[i]))}
				}
				sort.Slice(ranked, func(i, j int) bool {
					if ranked[i].score != ranked[j].score {
						return ranked[i].score > ranked[j].score
					}
					return ranked[i].c.CommunityID < ranked[j].c.CommunityID
				})
				out := make([]*knowledge.Community, len(ranked))
				for i, r := range ranked {
					out[i] = r.c
				}
				return out
			}
		}
	}
	if len(st.focus) > 0 {
		anchor := st.focus[0].NodeID
		withAnchor := make([]*knowledge.Community, 0, len(comms))
		rest := make([]*knowledge.Community, 0, len(comms))
		for _, c := range comms {
			if containsString(c.MemberIDs, anchor) {
				withAnchor = append(withAnchor, c)
			} else {
				rest = append(rest, c)
			}
		}
		return append(withAnchor, rest...)
	}
	return comms
}

func (s *service) stepEvidenceSubgraph(ctx context.Context, vis scope.Visibility, st *execState) (map[string]any, map[string]int, error) {
	ids := claimIDs(st.claims)
	if len(ids) == 0 {
		return nil, map[string]int{"concepts": 0, "edges": 0}, nil
	}
	maxC := orDefault(st.q.MaxConcepts, s.limits.MaxConcepts)
	ment, err := s.Claims.MentionedConcepts(ctx, vis, ids, maxC)
	if err != nil {
		return nil, nil, err
	}
	for _, c := range ment {
		st.addEntity(c)
	}
	edges, err := s.Relations.EdgesAmong(ctx, vis, st.order)
	if err != nil {
		return nil, nil, err
	}
	added := 0
	for _, e := range edges {
		if st.addEdge(e) {
			added++
		}
	}
	return nil, map[string]int{"concepts": len(ment), "edges": added}, nil
}

func (s *service) stepResolveCommunity(ctx context.Context, vis scope.Visibility, st *execState) (map[string]any, map[string]int, error) {
	if ref := communityRefRe.FindString(st.msg); ref != "" {
		c, err := s.Communities.GetByID(ctx, vis.GraphID, ref)
		if err != nil {
			return nil, nil, err
		}
		if c != nil {
			st.comms = []*knowledge.Community{c}
			return map[string]any{"community_id": ref}, map[string]int{"communities": 1}, nil
		}
		st.note(fmt.Sprintf("community %s not found", ref))
		return nil, map[string]int{"communities": 0}, nil
	}
	comms, err := s.Communities.ListByGraph(ctx, vis.GraphID, 50)
	if err != nil {
		return nil, nil, err
	}
	needle := strings.ToLower(trimQueryPunct(st.msg))
	var matched []*knowledge.Community
	for _, c := range comms {
		name := strings.ToLower(c.Name)
		if name == "" {
			continue
		}
		if strings.Contains(needle, name) || strings.Contains(name, needle) {
			matched = append(matched, c)
			if len(matched) == 3 {
				break
			}
		}
	}
	if len(matched) == 0 {
		st.note("no communities matched the query")
		return nil, map[string]int{"communities": 0}, nil
	}
	st.comms = matched
	return nil, map[string]int{"communities": len(matched)}, nil
}

func (s *service) stepCommunityMembers(ctx context.Context, vis scope.Visibility, st *execState) (map[string]any, map[string]int, error) {
	if len(st.comms) == 0 {
		return nil, map[string]int{"members": 0}, nil
	}
	live, err := s.Concepts.ListLive(ctx, vis.GraphID)
	if err != nil {
		return nil, nil, err
	}
	liveByID := make(map[string]*knowledge.Concept, len(live))
	for _, c := range live {
		if onBranch(c.OnBranches, vis.BranchID) {
			liveByID[c.NodeID] = c
		}
	}
	added := 0
	budget := s.limits.MaxConcepts
	for _, comm := range st.comms {
		for _, id := range comm.MemberIDs {
			if added >= budget {
				break
			}
			if c := liveByID[id]; c != nil && st.addEntity(c) {
				added++
			}
		}
	}
	return nil, map[string]int{"members": added}, nil
}

func (s *service) stepFetchClaim(ctx context.Context, vis scope.Visibility, st *execState) (map[string]any, map[string]int, error) {
	ref := claimRefRe.FindString(st.msg)
	if ref == "" {
		st.note("no claim reference in the message")
		return nil, map[string]int{"found": 0}, nil
	}
	cl, err := s.Claims.GetByID(ctx, vis.GraphID, ref)
	if err != nil {
		return nil, nil, err
	}
	if cl == nil {
		st.note(fmt.Sprintf("claim %s not found", ref))
		return nil, map[string]int{"found": 0}, nil
	}
	st.claims = []*knowledge.Claim{cl}
	return map[string]any{"claim_id": ref}, map[string]int{"found": 1}, nil
}

func (s *service) stepEvidenceChain(ctx context.Context, vis scope.Visibility, st *execState) (map[string]any, map[string]int, error) {
	if len(st.claims) == 0 {
		return nil, map[string]int{"documents": 0}, nil
	}
	ev, err := s.Claims.EvidenceFor(ctx, vis.GraphID, st.claims[0].ClaimID)
	if err != nil {
		return nil, nil, err
	}
	if ev == nil {
		st.note("no evidence chain recorded for the claim")
		return nil, map[string]int{"documents": 0}, nil
	}
	st.chunk = ev.Chunk
	counts := map[string]int{"documents": 0}
	if ev.Document != nil {
		st.rememberDoc(ev.Document)
		counts["documents"] = 1
		if ev.Document.URL != "" {
			arts, err := s.Artifacts.Resolve(ctx, vis.GraphID, nil, []string{ev.Document.URL})
			if err != nil {
				return nil, nil, err
			}
			if len(arts) > 0 {
				st.artifact = arts[0]
				counts["artifacts"] = len(arts)
			}
		}
	}
	return nil, counts, nil
}

func (s *service) stepMentionedConcepts(ctx context.Context, vis scope.Visibility, st *execState) (map[string]any, map[string]int, error) {
	ids := claimIDs(st.claims)
	if len(ids) == 0 {
		return nil, map[string]int{"concepts": 0}, nil
	}
	ment, err := s.Claims.MentionedConcepts(ctx, vis, ids, orDefault(st.q.MaxConcepts, s.limits.MaxConcepts))
	if err != nil {
		return nil, nil, err
	}
	for _, c := range ment {
		st.addFocus(c)
	}
	return nil, map[string]int{"concepts": len(ment)}, nil
}

func (s *service) embedText(ctx context.Context, active scope.Active, text string) ([]float64, error) {
	if s.AI == nil {
		return nil, nil
	}
	if s.Limiter != nil {
		if err := s.Limiter.Wait(ctx, active.TenantID); err != nil {
			return nil, err
		}
	}
	vecs, err := s.Cache.EmbedCached(ctx, s.AI.Embed, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) == 0 {
		return nil, nil
	}
	return toFloat64Vec(vecs[0]), nil
}

func orDefault(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

func onBranch(branches []string, branchID string) bool {
	for _, b := range branches {
		if b == branchID {
			return true
		}
	}
	return false
}

func containsString(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func claimIDs(claims []*knowledge.Claim) []string {
	ids := make([]string, 0, len(claims))
	for _, c := range claims {
		ids = append(ids, c.ClaimID)
	}
	return ids
}

func toFloat64Vec(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, f := range v {
		out[i] = float64(f)
	}
	return out
}

func cosine64(a, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	if n == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
