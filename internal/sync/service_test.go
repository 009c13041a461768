package sync

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	gosync "sync"
	"testing"
	"time"

	types "github.com/quillgraph/quillgraph-backend/internal/domain"
	"github.com/quillgraph/quillgraph-backend/internal/domain/knowledge"
	"github.com/quillgraph/quillgraph-backend/internal/ingest"
	"github.com/quillgraph/quillgraph-backend/internal/pkg/errs"
	"github.com/quillgraph/quillgraph-backend/internal/platform/logger"
	"github.com/quillgraph/quillgraph-backend/internal/scope"
)

type memSyncGraph struct {
	mu        gosync.Mutex
	events    map[string]*knowledge.ClientEvent
	resources map[string]*knowledge.Resource
	upserts   int
	links     []string
	linkErr   error
	trails    map[string]*knowledge.Trail
	steps     map[string][]*knowledge.TrailStep
	counts    map[string]int
}

func newMemSyncGraph() *memSyncGraph {
	return &memSyncGraph{
		events:    map[string]*knowledge.ClientEvent{},
		resources: map[string]*knowledge.Resource{},
		trails:    map[string]*knowledge.Trail{},
		steps:     map[string][]*knowledge.TrailStep{},
		counts:    map[string]int{},
	}
}

func eventKey(graphID, eventID string) string { return graphID + "/" + eventID }

func (m *memSyncGraph) GateEvent(_ context.Context, ev *knowledge.ClientEvent) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := eventKey(ev.GraphID, ev.EventID)
	if _, ok := m.events[key]; ok {
		return true, nil
	}
	cp := *ev
	cp.ReceivedAt = time.Now().UTC()
	m.events[key] = &cp
	return false, nil
}

func (m *memSyncGraph) MarkApplied(_ context.Context, graphID, eventID, outputJSON string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.events[eventKey(graphID, eventID)]
	if !ok {
		return errs.Wrap(errs.ErrNotFound, "event %s not gated", eventID)
	}
	now := time.Now().UTC()
	ev.Applied = true
	ev.OutputJSON = outputJSON
	ev.AppliedAt = &now
	return nil
}

func (m *memSyncGraph) MarkFailed(_ context.Context, graphID, eventID, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.events[eventKey(graphID, eventID)]
	if !ok {
		return errs.Wrap(errs.ErrNotFound, "event %s not gated", eventID)
	}
	ev.Error = errMsg
	return nil
}

func (m *memSyncGraph) GetEvent(_ context.Context, graphID, eventID string) (*knowledge.ClientEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.events[eventKey(graphID, eventID)]
	if !ok {
		return nil, nil
	}
	cp := *ev
	return &cp, nil
}

func (m *memSyncGraph) UpsertResource(_ context.Context, res *knowledge.Resource) (*knowledge.Resource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upserts++
	cp := *res
	if existing, ok := m.resources[res.ResourceID]; ok {
		cp.OnBranches = unionStrings(existing.OnBranches, res.OnBranches)
	}
	cp.UpdatedAt = time.Now().UTC()
	m.resources[res.ResourceID] = &cp
	out := cp
	return &out, nil
}

func (m *memSyncGraph) LinkResource(_ context.Context, graphID, resourceID, nodeID, branchID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.linkErr != nil {
		return m.linkErr
	}
	m.links = append(m.links, graphID+"/"+resourceID+"->"+nodeID+"@"+branchID)
	return nil
}

func (m *memSyncGraph) ListResources(_ context.Context, _ scope.Visibility, limit int) ([]*knowledge.Resource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*knowledge.Resource, 0, len(m.resources))
	for _, r := range m.resources {
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ResourceID < out[j].ResourceID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memSyncGraph) AppendTrailStep(_ context.Context, trail *knowledge.Trail, step *knowledge.TrailStep, branchID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trails[trail.TrailID]
	if !ok {
		cp := *trail
		cp.CreatedAt = time.Now().UTC()
		m.trails[trail.TrailID] = &cp
		t = &cp
	}
	t.OnBranches = unionStrings(t.OnBranches, []string{branchID})
	for _, existing := range m.steps[trail.TrailID] {
		if existing.StepID == step.StepID {
			return nil
		}
	}
	sc := *step
	m.steps[trail.TrailID] = append(m.steps[trail.TrailID], &sc)
	return nil
}

func (m *memSyncGraph) ListTrails(_ context.Context, _ scope.Visibility, limit int) ([]*knowledge.Trail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*knowledge.Trail, 0, len(m.trails))
	for _, t := range m.trails {
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TrailID < out[j].TrailID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memSyncGraph) StepsFor(_ context.Context, _, trailID string) ([]*knowledge.TrailStep, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	steps := m.steps[trailID]
	out := make([]*knowledge.TrailStep, 0, len(steps))
	for _, s := range steps {
		cp := *s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

func (m *memSyncGraph) Counts(_ context.Context, _ string) (map[string]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int, len(m.counts))
	for k, v := range m.counts {
		out[k] = v
	}
	return out, nil
}

func unionStrings(a, b []string) []string {
	seen := map[string]bool{}
	out := []string{}
	for _, s := range append(append([]string{}, a...), b...) {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

type memArtifactStore struct {
	mu        gosync.Mutex
	artifacts []*knowledge.Artifact
	quotes    map[string][]*knowledge.Quote
}

func newMemArtifactStore() *memArtifactStore {
	return &memArtifactStore{quotes: map[string][]*knowledge.Quote{}}
}

func (m *memArtifactStore) Upsert(_ context.Context, a *knowledge.Artifact, quotes []*knowledge.Quote) (*knowledge.Artifact, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.artifacts = append(m.artifacts, &cp)
	for _, q := range quotes {
		qc := *q
		m.quotes[a.ArtifactID] = append(m.quotes[a.ArtifactID], &qc)
	}
	out := cp
	return &out, true, nil
}

func (m *memArtifactStore) GetByID(_ context.Context, _ scope.Visibility, artifactID string) (*knowledge.Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.artifacts {
		if a.ArtifactID == artifactID {
			cp := *a
			return &cp, nil
		}
	}
	return nil, errs.Wrap(errs.ErrNotFound, "artifact %s not found", artifactID)
}

func (m *memArtifactStore) Recent(_ context.Context, _ scope.Visibility, limit int) ([]*knowledge.Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*knowledge.Artifact, 0, len(m.artifacts))
	for _, a := range m.artifacts {
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CapturedAt.After(out[j].CapturedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memArtifactStore) QuotesFor(_ context.Context, _ scope.Visibility, artifactID string) ([]*knowledge.Quote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	quotes := m.quotes[artifactID]
	out := make([]*knowledge.Quote, 0, len(quotes))
	for _, q := range quotes {
		cp := *q
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memArtifactStore) Resolve(_ context.Context, graphID string, ids, urls []string) ([]*knowledge.Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wantID := map[string]bool{}
	for _, id := range ids {
		wantID[id] = true
	}
	wantURL := map[string]bool{}
	for _, u := range urls {
		wantURL[u] = true
	}
	out := []*knowledge.Artifact{}
	for _, a := range m.artifacts {
		if a.GraphID != graphID {
			continue
		}
		if wantID[a.ArtifactID] || wantURL[a.URL] {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

type overviewFake struct {
	mu         gosync.Mutex
	overview   *knowledge.GraphOverview
	err        error
	limitNodes int
	limitEdges int
}

func (f *overviewFake) Overview(_ context.Context, _ scope.Visibility, limitNodes, limitEdges int) (*knowledge.GraphOverview, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.limitNodes = limitNodes
	f.limitEdges = limitEdges
	if f.err != nil {
		return nil, f.err
	}
	if f.overview == nil {
		return &knowledge.GraphOverview{Nodes: []knowledge.Concept{}, Edges: []knowledge.Relationship{}}, nil
	}
	return f.overview, nil
}

type kernelCall struct {
	active scope.Active
	input  ingest.ArtifactInput
}

type stubKernel struct {
	mu     gosync.Mutex
	calls  []kernelCall
	result *ingest.IngestionResult
	err    error
	onCall func()
}

func (k *stubKernel) Ingest(_ context.Context, active scope.Active, in ingest.ArtifactInput) (*ingest.IngestionResult, error) {
	k.mu.Lock()
	k.calls = append(k.calls, kernelCall{active: active, input: in})
	res, err, hook := k.result, k.err, k.onCall
	k.mu.Unlock()
	if hook != nil {
		hook()
	}
	if err != nil {
		return nil, err
	}
	if res != nil {
		cp := *res
		return &cp, nil
	}
	return &ingest.IngestionResult{RunID: "run-1", Status: types.RunCompleted, ArtifactID: "art-1", DocID: "doc-1"}, nil
}

func (k *stubKernel) IngestBatch(_ context.Context, _ scope.Active, _ string, _ []ingest.ArtifactInput) (*ingest.BatchResult, error) {
	return nil, errs.Wrap(errs.ErrInternal, "not expected in these tests")
}

func (k *stubKernel) callCount() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.calls)
}

func (k *stubKernel) lastCall(t *testing.T) kernelCall {
	t.Helper()
	k.mu.Lock()
	defer k.mu.Unlock()
	if len(k.calls) == 0 {
		t.Fatalf("expected at least one kernel call")
	}
	return k.calls[len(k.calls)-1]
}

type stubAuth struct {
	mu     gosync.Mutex
	calls  []string
	denied map[string]error
}

func (a *stubAuth) AuthorizeWrite(_ context.Context, tenantID, graphID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, tenantID+"/"+graphID)
	if a.denied != nil {
		if err, ok := a.denied[graphID]; ok {
			return err
		}
	}
	return nil
}

type memManifestCache struct {
	mu    gosync.Mutex
	kv    map[string]string
	lists map[string][]string
}

func newMemManifestCache() *memManifestCache {
	return &memManifestCache{kv: map[string]string{}, lists: map[string][]string{}}
}

func (m *memManifestCache) GetJSON(_ context.Context, key string, out any) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, ok := m.kv[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal([]byte(raw), out)
}

func (m *memManifestCache) SetJSON(_ context.Context, key string, val any, _ time.Duration) error {
	raw, err := json.Marshal(val)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kv[key] = string(raw)
	return nil
}

func (m *memManifestCache) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.kv, k)
		delete(m.lists, k)
	}
	return nil
}

func (m *memManifestCache) PushRecent(_ context.Context, key string, val any, maxLen int64, _ time.Duration) error {
	raw, err := json.Marshal(val)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lists[key] = append([]string{string(raw)}, m.lists[key]...)
	if maxLen > 0 && int64(len(m.lists[key])) > maxLen {
		m.lists[key] = m.lists[key][:maxLen]
	}
	return nil
}

func (m *memManifestCache) ListRecent(_ context.Context, key string, limit int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.lists[key]
	if limit > 0 && int64(len(list)) > limit {
		list = list[:limit]
	}
	out := make([]string, len(list))
	copy(out, list)
	return out, nil
}

func (m *memManifestCache) Close() error { return nil }

type syncHarness struct {
	svc       Service
	store     *memSyncGraph
	artifacts *memArtifactStore
	concepts  *overviewFake
	kernel    *stubKernel
	auth      *stubAuth
	cache     *memManifestCache
}

func newSyncHarness(t *testing.T) *syncHarness {
	t.Helper()
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	h := &syncHarness{
		store:     newMemSyncGraph(),
		artifacts: newMemArtifactStore(),
		concepts:  &overviewFake{},
		kernel:    &stubKernel{},
		auth:      &stubAuth{},
		cache:     newMemManifestCache(),
	}
	h.svc = NewService(Deps{
		Sync:      h.store,
		Artifacts: h.artifacts,
		Concepts:  h.concepts,
		Kernel:    h.kernel,
		Auth:      h.auth,
		Cache:     h.cache,
	}, log)
	return h
}

func syncActive() scope.Active {
	return scope.Active{TenantID: "t1", GraphID: "g1", BranchID: "main"}
}

func rawPayload(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return b
}

func TestApplyEventsPerItemStatuses(t *testing.T) {
	h := newSyncHarness(t)
	ctx := context.Background()

	events := []Event{
		{EventID: "ev-1", Type: EventResourceCreate, Payload: rawPayload(t, map[string]any{
			"resource_id": "res-1", "kind": "bookmark", "url": "https://example.com/a", "title": "A",
		})},
		{EventID: "ev-2", Type: "time.travel", Payload: rawPayload(t, map[string]any{})},
		{Type: EventResourceCreate, Payload: rawPayload(t, map[string]any{"resource_id": "res-2"})},
	}

	results, err := h.svc.ApplyEvents(ctx, syncActive(), events)
	if err != nil {
		t.Fatalf("ApplyEvents: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if results[0].Status != StatusApplied {
		t.Fatalf("expected applied, got %s (%s)", results[0].Status, results[0].Error)
	}
	if results[1].Status != StatusError || !strings.Contains(results[1].Error, "time.travel") {
		t.Fatalf("expected typed error for unknown event, got %+v", results[1])
	}
	if results[2].Status != StatusError || results[2].Error == "" {
		t.Fatalf("expected error for missing event_id, got %+v", results[2])
	}

	stored, err := h.store.GetEvent(ctx, "g1", "ev-1")
	if err != nil || stored == nil {
		t.Fatalf("expected gated event ev-1, got %v (%v)", stored, err)
	}
	if !stored.Applied || !strings.Contains(stored.OutputJSON, "res-1") {
		t.Fatalf("expected applied stamp with output, got %+v", stored)
	}
	failed, err := h.store.GetEvent(ctx, "g1", "ev-2")
	if err != nil || failed == nil {
		t.Fatalf("expected gated event ev-2, got %v (%v)", failed, err)
	}
	if failed.Applied || failed.Error == "" {
		t.Fatalf("expected failure stamp on ev-2, got %+v", failed)
	}
	if len(h.store.events) != 2 {
		t.Fatalf("event without id must not be gated, have %d records", len(h.store.events))
	}

	res := h.store.resources["res-1"]
	if res == nil || res.GraphID != "g1" {
		t.Fatalf("expected resource in active graph, got %+v", res)
	}
	if len(res.OnBranches) != 1 || res.OnBranches[0] != "main" {
		t.Fatalf("expected resource on active branch, got %v", res.OnBranches)
	}
}

func TestApplyEventsDuplicateSkipsSideEffects(t *testing.T) {
	h := newSyncHarness(t)
	ctx := context.Background()

	ev := Event{EventID: "ev-dup", Type: EventResourceCreate, Payload: rawPayload(t, map[string]any{
		"resource_id": "res-9", "kind": "bookmark",
	})}

	first, err := h.svc.ApplyEvents(ctx, syncActive(), []Event{ev})
	if err != nil {
		t.Fatalf("first apply: %v", err)
	}
	second, err := h.svc.ApplyEvents(ctx, syncActive(), []Event{ev})
	if err != nil {
		t.Fatalf("second apply: %v", err)
	}
	if first[0].Status != StatusApplied {
		t.Fatalf("expected applied, got %+v", first[0])
	}
	if second[0].Status != StatusDuplicate {
		t.Fatalf("expected duplicate, got %+v", second[0])
	}
	if h.store.upserts != 1 {
		t.Fatalf("expected exactly one upsert, got %d", h.store.upserts)
	}
}

func TestApplyEventsDuplicateAfterFailure(t *testing.T) {
	h := newSyncHarness(t)
	ctx := context.Background()
	h.store.linkErr = errs.Wrap(errs.ErrNotFound, "node missing")

	ev := Event{EventID: "ev-link", Type: EventResourceLink, Payload: rawPayload(t, map[string]any{
		"resource_id": "res-1", "node_id": "node-1",
	})}

	first, err := h.svc.ApplyEvents(ctx, syncActive(), []Event{ev})
	if err != nil {
		t.Fatalf("first apply: %v", err)
	}
	if first[0].Status != StatusError {
		t.Fatalf("expected error, got %+v", first[0])
	}

	// A fixed backend does not get a second chance: the gate already
	// holds the event and replays are skipped whatever the outcome was.
	h.store.linkErr = nil
	second, err := h.svc.ApplyEvents(ctx, syncActive(), []Event{ev})
	if err != nil {
		t.Fatalf("second apply: %v", err)
	}
	if second[0].Status != StatusDuplicate {
		t.Fatalf("expected duplicate after failed first attempt, got %+v", second[0])
	}
	if len(h.store.links) != 0 {
		t.Fatalf("expected no link writes, got %v", h.store.links)
	}
}

func TestApplyEventsForeignGraphAuthorization(t *testing.T) {
	h := newSyncHarness(t)
	ctx := context.Background()
	h.auth.denied = map[string]error{"g-other": errs.Wrap(errs.ErrForbidden, "not yours")}

	denied := Event{EventID: "ev-f1", GraphID: "g-other", BranchID: "main", Type: EventResourceCreate,
		Payload: rawPayload(t, map[string]any{"resource_id": "res-f"})}
	results, err := h.svc.ApplyEvents(ctx, syncActive(), []Event{denied})
	if err != nil {
		t.Fatalf("ApplyEvents: %v", err)
	}
	if results[0].Status != StatusError || !strings.Contains(results[0].Error, "not yours") {
		t.Fatalf("expected authorization error, got %+v", results[0])
	}
	if len(h.store.events) != 0 {
		t.Fatalf("rejected event must not be gated, have %d records", len(h.store.events))
	}

	h.auth.denied = nil
	allowed := Event{EventID: "ev-f2", GraphID: "g2", BranchID: "dev", Type: EventResourceCreate,
		Payload: rawPayload(t, map[string]any{"resource_id": "res-g2"})}
	results, err = h.svc.ApplyEvents(ctx, syncActive(), []Event{allowed})
	if err != nil {
		t.Fatalf("ApplyEvents: %v", err)
	}
	if results[0].Status != StatusApplied {
		t.Fatalf("expected applied, got %+v", results[0])
	}
	res := h.store.resources["res-g2"]
	if res == nil || res.GraphID != "g2" {
		t.Fatalf("expected resource in g2, got %+v", res)
	}
	if len(res.OnBranches) != 1 || res.OnBranches[0] != "dev" {
		t.Fatalf("expected event branch, got %v", res.OnBranches)
	}

	// Same-graph events never consult the authorizer.
	same := Event{EventID: "ev-s1", Type: EventResourceCreate,
		Payload: rawPayload(t, map[string]any{"resource_id": "res-s"})}
	if _, err := h.svc.ApplyEvents(ctx, syncActive(), []Event{same}); err != nil {
		t.Fatalf("ApplyEvents: %v", err)
	}
	if len(h.auth.calls) != 2 {
		t.Fatalf("expected 2 authorizer calls, got %v", h.auth.calls)
	}
}

func TestApplyEventsArtifactIngestStaysLocal(t *testing.T) {
	h := newSyncHarness(t)
	ctx := context.Background()

	ev := Event{EventID: "ev-art", BranchID: "b2", Type: EventArtifactIngest, Payload: rawPayload(t, map[string]any{
		"url":            "https://example.com/post",
		"title":          "Post",
		"text":           "captured body",
		"selection_text": "captured body",
	})}
	results, err := h.svc.ApplyEvents(ctx, syncActive(), []Event{ev})
	if err != nil {
		t.Fatalf("ApplyEvents: %v", err)
	}
	if results[0].Status != StatusApplied {
		t.Fatalf("expected applied, got %+v", results[0])
	}

	call := h.kernel.lastCall(t)
	if call.active.GraphID != "g1" || call.active.BranchID != "b2" {
		t.Fatalf("expected event scope g1/b2, got %s/%s", call.active.GraphID, call.active.BranchID)
	}
	if call.input.ArtifactType != "web_snapshot" {
		t.Fatalf("expected web_snapshot default, got %q", call.input.ArtifactType)
	}
	if call.input.SourceURL != "https://example.com/post" {
		t.Fatalf("url alias not honored, got %q", call.input.SourceURL)
	}
	a := call.input.Actions
	if !a.CreateArtifactNode || a.RunLectureExtraction || a.RunChunkAndClaims || a.EmbedClaims || a.CreateLectureNode {
		t.Fatalf("expected artifact-node-only actions, got %+v", a)
	}
	if !call.input.Policy.LocalOnly {
		t.Fatalf("replayed events must not trigger outbound calls")
	}

	stored, err := h.store.GetEvent(ctx, "g1", "ev-art")
	if err != nil || stored == nil {
		t.Fatalf("expected gated event, got %v (%v)", stored, err)
	}
	if !strings.Contains(stored.OutputJSON, "art-1") || !strings.Contains(stored.OutputJSON, "run-1") {
		t.Fatalf("expected artifact and run ids in output, got %s", stored.OutputJSON)
	}
}

func TestApplyEventsTrailStepAppend(t *testing.T) {
	h := newSyncHarness(t)
	ctx := context.Background()

	payload := map[string]any{
		"trail_id": "trail-1", "trail_title": "Reading path",
		"step_id": "step-1", "index": 0, "kind": "artifact", "ref_id": "art-1",
	}
	ev := Event{EventID: "ev-t1", Type: EventTrailStepAppend, Payload: rawPayload(t, payload)}
	results, err := h.svc.ApplyEvents(ctx, syncActive(), []Event{ev})
	if err != nil {
		t.Fatalf("ApplyEvents: %v", err)
	}
	if results[0].Status != StatusApplied {
		t.Fatalf("expected applied, got %+v", results[0])
	}

	trail := h.store.trails["trail-1"]
	if trail == nil || trail.Title != "Reading path" {
		t.Fatalf("expected trail with title, got %+v", trail)
	}
	if len(trail.OnBranches) != 1 || trail.OnBranches[0] != "main" {
		t.Fatalf("expected trail on active branch, got %v", trail.OnBranches)
	}
	steps, err := h.store.StepsFor(ctx, "g1", "trail-1")
	if err != nil || len(steps) != 1 {
		t.Fatalf("expected one step, got %v (%v)", steps, err)
	}
	if steps[0].Kind != "artifact" || steps[0].RefID != "art-1" {
		t.Fatalf("step fields lost: %+v", steps[0])
	}

	// Missing step_id fails per item without touching the trail.
	bad := Event{EventID: "ev-t2", Type: EventTrailStepAppend,
		Payload: rawPayload(t, map[string]any{"trail_id": "trail-1"})}
	results, err = h.svc.ApplyEvents(ctx, syncActive(), []Event{bad})
	if err != nil {
		t.Fatalf("ApplyEvents: %v", err)
	}
	if results[0].Status != StatusError {
		t.Fatalf("expected error, got %+v", results[0])
	}
	if steps, _ := h.store.StepsFor(ctx, "g1", "trail-1"); len(steps) != 1 {
		t.Fatalf("invalid step must not be stored, got %d", len(steps))
	}
}

func TestApplyEventsCancellationReturnsPartial(t *testing.T) {
	h := newSyncHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	h.kernel.onCall = cancel

	events := []Event{
		{EventID: "ev-1", Type: EventArtifactIngest, Payload: rawPayload(t, map[string]any{
			"url": "https://example.com/a", "text": "body",
		})},
		{EventID: "ev-2", Type: EventResourceCreate, Payload: rawPayload(t, map[string]any{
			"resource_id": "res-after-cancel",
		})},
	}

	results, err := h.svc.ApplyEvents(ctx, syncActive(), events)
	if errs.Kind(err) != errs.ErrCanceled {
		t.Fatalf("expected canceled, got %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected partial results for first event only, got %d", len(results))
	}
	if results[0].Status != StatusApplied {
		t.Fatalf("expected first event applied, got %+v", results[0])
	}
	if h.store.resources["res-after-cancel"] != nil {
		t.Fatalf("second event must not run after cancellation")
	}
}

func TestApplyEventsGuards(t *testing.T) {
	h := newSyncHarness(t)
	ctx := context.Background()

	if _, err := h.svc.ApplyEvents(ctx, scope.Active{TenantID: "t1", GraphID: "g1", BranchID: "main", Demo: true}, nil); errs.Kind(err) != errs.ErrForbidden {
		t.Fatalf("expected forbidden for demo scope, got %v", err)
	}
	if _, err := h.svc.ApplyEvents(ctx, scope.Active{TenantID: "t1"}, nil); errs.Kind(err) != errs.ErrInvalid {
		t.Fatalf("expected invalid without graph, got %v", err)
	}
}

func TestCaptureSelection(t *testing.T) {
	h := newSyncHarness(t)
	ctx := context.Background()

	res, err := h.svc.CaptureSelection(ctx, syncActive(), CaptureSelectionInput{
		URL:           "https://example.com/deep",
		Title:         "Deep work",
		SelectionText: "the marked passage",
		Anchor:        `{"start":10,"end":28}`,
	})
	if err != nil {
		t.Fatalf("CaptureSelection: %v", err)
	}
	if res.ArtifactID != "art-1" {
		t.Fatalf("expected kernel result, got %+v", res)
	}
	call := h.kernel.lastCall(t)
	if call.input.ArtifactType != "web_snapshot" {
		t.Fatalf("expected web_snapshot, got %q", call.input.ArtifactType)
	}
	if call.input.Text != "the marked passage" || call.input.SelectionText != "the marked passage" {
		t.Fatalf("selection must become the artifact text, got %+v", call.input)
	}
	if !call.input.Actions.CreateArtifactNode || call.input.Actions.RunChunkAndClaims {
		t.Fatalf("expected artifact-node-only actions, got %+v", call.input.Actions)
	}
	if !call.input.Policy.LocalOnly {
		t.Fatalf("capture must stay local")
	}

	if _, err := h.svc.CaptureSelection(ctx, syncActive(), CaptureSelectionInput{SelectionText: "x"}); errs.Kind(err) != errs.ErrInvalid {
		t.Fatalf("expected invalid without url, got %v", err)
	}
	if _, err := h.svc.CaptureSelection(ctx, syncActive(), CaptureSelectionInput{URL: "https://example.com"}); errs.Kind(err) != errs.ErrInvalid {
		t.Fatalf("expected invalid without selection, got %v", err)
	}
	demo := scope.Active{TenantID: "t1", GraphID: "g1", BranchID: "main", Demo: true}
	if _, err := h.svc.CaptureSelection(ctx, demo, CaptureSelectionInput{URL: "https://example.com", SelectionText: "x"}); errs.Kind(err) != errs.ErrForbidden {
		t.Fatalf("expected forbidden for demo scope, got %v", err)
	}
}

func TestBootstrapAggregates(t *testing.T) {
	h := newSyncHarness(t)
	ctx := context.Background()

	h.concepts.overview = &knowledge.GraphOverview{Nodes: []knowledge.Concept{
		{NodeID: "n1", GraphID: "g1", Name: "Gradient Descent"},
		{NodeID: "n2", GraphID: "g1", Name: "Backpropagation"},
	}}
	h.artifacts.artifacts = []*knowledge.Artifact{
		{ArtifactID: "art-1", GraphID: "g1", URL: "https://example.com/a", CapturedAt: time.Now().UTC()},
	}
	h.store.trails["trail-1"] = &knowledge.Trail{TrailID: "trail-1", GraphID: "g1", Title: "Path"}

	payload, err := h.svc.Bootstrap(ctx, syncActive())
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if payload.GraphID != "g1" || payload.BranchID != "main" {
		t.Fatalf("scope lost: %+v", payload)
	}
	if len(payload.Concepts) != 2 || payload.Concepts[0].Name != "Gradient Descent" {
		t.Fatalf("concepts not carried, got %+v", payload.Concepts)
	}
	if len(payload.Artifacts) != 1 || len(payload.Trails) != 1 {
		t.Fatalf("expected 1 artifact and 1 trail, got %d/%d", len(payload.Artifacts), len(payload.Trails))
	}
	if h.concepts.limitNodes != 50 || h.concepts.limitEdges != 0 {
		t.Fatalf("expected node-only overview of 50, got %d/%d", h.concepts.limitNodes, h.concepts.limitEdges)
	}

	if _, err := h.svc.Bootstrap(ctx, scope.Active{TenantID: "t1"}); errs.Kind(err) != errs.ErrInvalid {
		t.Fatalf("expected invalid without scope, got %v", err)
	}
}

func TestManifestMemoized(t *testing.T) {
	h := newSyncHarness(t)
	ctx := context.Background()

	captured := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	h.store.counts = map[string]int{"Concept": 3, "Artifact": 1}
	h.artifacts.artifacts = []*knowledge.Artifact{
		{ArtifactID: "art-1", GraphID: "g1", CapturedAt: captured},
	}

	first, err := h.svc.Manifest(ctx, syncActive())
	if err != nil {
		t.Fatalf("Manifest: %v", err)
	}
	if first.Counts["Concept"] != 3 {
		t.Fatalf("counts not carried, got %+v", first.Counts)
	}
	if first.LatestActivityAt == nil || !first.LatestActivityAt.Equal(captured) {
		t.Fatalf("expected latest activity %v, got %v", captured, first.LatestActivityAt)
	}
	if _, ok := h.cache.kv["offline:manifest:g1:main"]; !ok {
		t.Fatalf("expected manifest cached under scope key, have %v", keysOf(h.cache.kv))
	}

	// Within the TTL the counts come from the memo, not the store.
	h.store.counts["Concept"] = 99
	second, err := h.svc.Manifest(ctx, syncActive())
	if err != nil {
		t.Fatalf("Manifest: %v", err)
	}
	if second.Counts["Concept"] != 3 {
		t.Fatalf("expected memoized counts, got %+v", second.Counts)
	}
}

func keysOf(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func TestWarmResolvesArtifactsWithQuotes(t *testing.T) {
	h := newSyncHarness(t)
	ctx := context.Background()

	h.artifacts.artifacts = []*knowledge.Artifact{
		{ArtifactID: "art-1", GraphID: "g1", URL: "https://example.com/a", Text: "alpha"},
		{ArtifactID: "art-2", GraphID: "g1", URL: "https://example.com/b", Text: "beta"},
		{ArtifactID: "art-x", GraphID: "g-other", URL: "https://example.com/x"},
	}
	h.artifacts.quotes["art-1"] = []*knowledge.Quote{
		{QuoteID: "q1", GraphID: "g1", ArtifactID: "art-1", Text: "quoted"},
	}

	warmed, err := h.svc.Warm(ctx, syncActive(), WarmInput{
		ArtifactIDs: []string{"art-2"},
		URLs:        []string{"https://example.com/a", "https://example.com/x"},
	})
	if err != nil {
		t.Fatalf("Warm: %v", err)
	}
	if len(warmed) != 2 {
		t.Fatalf("expected 2 artifacts (foreign graph excluded), got %d", len(warmed))
	}
	byID := map[string]*WarmedArtifact{}
	for _, w := range warmed {
		byID[w.Artifact.ArtifactID] = w
	}
	if w := byID["art-1"]; w == nil || len(w.Quotes) != 1 || w.Quotes[0].Text != "quoted" {
		t.Fatalf("expected art-1 with its quote, got %+v", w)
	}
	if w := byID["art-2"]; w == nil || len(w.Quotes) != 0 {
		t.Fatalf("expected art-2 without quotes, got %+v", w)
	}

	if _, err := h.svc.Warm(ctx, syncActive(), WarmInput{}); errs.Kind(err) != errs.ErrInvalid {
		t.Fatalf("expected invalid for empty input, got %v", err)
	}
}
