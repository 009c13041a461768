// Package branches owns contextual branches: anchored side-conversations
// rooted in a span of a parent chat message or in an opaque anchor
// reference. Branch rows live in the relational store; the property
// graph never sees them.
package branches

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/quillgraph/quillgraph-backend/internal/clients/openai"
	"github.com/quillgraph/quillgraph-backend/internal/clients/redis"
	"github.com/quillgraph/quillgraph-backend/internal/data/repos/branching"
	types "github.com/quillgraph/quillgraph-backend/internal/domain"
	"github.com/quillgraph/quillgraph-backend/internal/domain/knowledge"
	"github.com/quillgraph/quillgraph-backend/internal/pkg/dbctx"
	"github.com/quillgraph/quillgraph-backend/internal/pkg/errs"
	"github.com/quillgraph/quillgraph-backend/internal/platform/logger"
	"github.com/quillgraph/quillgraph-backend/internal/ratelimit"
	"github.com/quillgraph/quillgraph-backend/internal/scope"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"

	// Recent chat windows: newest-first, bounded, lossy.
	chatWindowKeyPrefix = "chat:window:"
	chatWindowMaxLen    = 50
	chatWindowTTL       = 24 * time.Hour

	historyRenderMax = 20
	parentExcerptMax = 600
)

// AnchorInput describes where a branch attaches. Kind defaults to span.
type AnchorInput struct {
	Kind         string `json:"kind,omitempty"`
	SelectedText string `json:"selected_text"`
	StartOffset  int    `json:"start_offset,omitempty"`
	EndOffset    int    `json:"end_offset,omitempty"`
	RefID        string `json:"ref_id,omitempty"`
}

// CreateBranchInput carries everything branch creation needs. The parent
// content is optional: when absent the recent chat window is consulted,
// and the branch falls back to version 1 with no frozen content.
type CreateBranchInput struct {
	ParentMessageID      string      `json:"parent_message_id"`
	ChatID               string      `json:"chat_id,omitempty"`
	ParentMessageContent string      `json:"parent_message_content,omitempty"`
	Anchor               AnchorInput `json:"anchor"`
	UserID               string      `json:"user_id,omitempty"`
}

// HintInput is one bridging hint to place back into the parent message.
type HintInput struct {
	HintText     string `json:"hint_text"`
	TargetPhrase string `json:"target_phrase,omitempty"`
}

// BranchDetail is the read model for one branch: the row, its full
// message history and current hint set, plus the frozen parent content.
type BranchDetail struct {
	Branch        *types.ContextualBranch `json:"branch"`
	Messages      []*types.BranchMessage  `json:"messages"`
	Hints         []*types.BridgingHint   `json:"hints"`
	ParentContent string                  `json:"parent_content,omitempty"`
}

// MessageExchange is the user turn plus the generated assistant turn.
type MessageExchange struct {
	User      *types.BranchMessage `json:"user"`
	Assistant *types.BranchMessage `json:"assistant"`
}

type Service interface {
	// CreateBranch is idempotent on (parent key, selection hash): the
	// second create of the same selection returns the first branch with
	// created=false.
	CreateBranch(ctx context.Context, active scope.Active, in CreateBranchInput) (*types.ContextualBranch, bool, error)

	GetBranch(ctx context.Context, active scope.Active, branchID string) (*BranchDetail, error)
	ListByParent(ctx context.Context, active scope.Active, parentMessageID string, includeArchived bool) ([]*types.ContextualBranch, error)

	// SendMessage appends the user turn, generates the assistant reply
	// against the frozen parent content and full history, and appends it.
	SendMessage(ctx context.Context, active scope.Active, branchID, content, userID string) (*MessageExchange, error)

	// SaveHints replaces the branch's hint set wholesale.
	SaveHints(ctx context.Context, active scope.Active, branchID string, hints []HintInput) ([]*types.BridgingHint, error)

	Archive(ctx context.Context, active scope.Active, branchID string, archived bool) error
	Delete(ctx context.Context, active scope.Active, branchID string) error
}

// Deps carries the service collaborators. AI may be nil (SendMessage
// then refuses), Cache and Limiter may be nil, DB may be nil in tests
// (deletes then run sequentially instead of in one transaction).
type Deps struct {
	Branches branching.ContextualBranchRepo
	Messages branching.BranchMessageRepo
	Hints    branching.BridgingHintRepo
	Versions branching.ParentMessageVersionRepo

	DB      *gorm.DB
	AI      openai.Client
	Cache   redis.Cache
	Limiter *ratelimit.Limiter
}

type service struct {
	Deps
	log *logger.Logger
}

func NewService(deps Deps, baseLog *logger.Logger) Service {
	return &service{Deps: deps, log: baseLog.With("service", "BranchService")}
}

// parentKey is the stored parent_message_id: the real message id for
// span anchors, "anchor:<ref>" for anchor refs so region-anchored
// branches share the same idempotency machinery.
func parentKey(in CreateBranchInput) string {
	if in.Anchor.Kind == string(types.AnchorRef) {
		return "anchor:" + in.Anchor.RefID
	}
	return in.ParentMessageID
}

func (s *service) CreateBranch(ctx context.Context, active scope.Active, in CreateBranchInput) (*types.ContextualBranch, bool, error) {
	if active.Demo {
		return nil, false, errs.Wrap(errs.ErrForbidden, "the demo graph is read-only")
	}

	kind := types.AnchorKind(strings.TrimSpace(in.Anchor.Kind))
	if kind == "" {
		kind = types.AnchorSpan
	}
	if kind != types.AnchorSpan && kind != types.AnchorRef {
		return nil, false, errs.Wrap(errs.ErrInvalid, "unknown anchor kind %q", in.Anchor.Kind)
	}
	selected := in.Anchor.SelectedText
	if strings.TrimSpace(selected) == "" {
		return nil, false, errs.Wrap(errs.ErrInvalid, "anchor selected_text required")
	}
	switch kind {
	case types.AnchorSpan:
		if in.ParentMessageID == "" {
			return nil, false, errs.Wrap(errs.ErrInvalid, "parent_message_id required")
		}
		if in.Anchor.StartOffset < 0 || in.Anchor.StartOffset >= in.Anchor.EndOffset {
			return nil, false, errs.Wrap(errs.ErrInvalid, "span offsets require 0 <= start < end")
		}
	case types.AnchorRef:
		if in.Anchor.RefID == "" {
			return nil, false, errs.Wrap(errs.ErrInvalid, "anchor ref_id required")
		}
	}

	key := parentKey(in)
	hash := knowledge.SelectionHash(selected)
	dbc := dbctx.Context{Ctx: ctx}

	existing, err := s.Branches.GetByParentAndHash(dbc, key, hash)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	content := in.ParentMessageContent
	if content == "" {
		content = s.windowLookup(ctx, in.ChatID, in.ParentMessageID)
	}
	version := 1
	if content != "" {
		version, err = s.Versions.EnsureVersion(dbc, key, content)
		if err != nil {
			return nil, false, err
		}
	}

	now := time.Now().UTC()
	b := &types.ContextualBranch{
		ID:                   knowledge.BranchIDForSelection(key, hash),
		ParentMessageID:      key,
		SelectedTextHash:     hash,
		AnchorKind:           kind,
		SelectedText:         selected,
		StartOffset:          in.Anchor.StartOffset,
		EndOffset:            in.Anchor.EndOffset,
		AnchorRef:            in.Anchor.RefID,
		ChatID:               in.ChatID,
		TenantID:             active.TenantID,
		ParentMessageVersion: version,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	stored, err := s.Branches.Create(dbc, b)
	if err != nil {
		// Two clients raced the same selection; the winner's row is the
		// branch both asked for.
		if errs.Kind(err) == errs.ErrConflict {
			winner, gErr := s.Branches.GetByParentAndHash(dbc, key, hash)
			if gErr == nil && winner != nil {
				return winner, false, nil
			}
		}
		return nil, false, err
	}
	s.log.Info("branch created",
		"branch_id", stored.ID,
		"parent", key,
		"anchor_kind", string(kind),
		"parent_version", version,
	)
	return stored, true, nil
}

func (s *service) GetBranch(ctx context.Context, active scope.Active, branchID string) (*BranchDetail, error) {
	dbc := dbctx.Context{Ctx: ctx}
	b, err := s.loadOwned(dbc, active, branchID)
	if err != nil {
		return nil, err
	}
	msgs, err := s.Messages.ListByBranch(dbc, branchID, 0)
	if err != nil {
		return nil, err
	}
	hints, err := s.Hints.ListByBranch(dbc, branchID)
	if err != nil {
		return nil, err
	}
	return &BranchDetail{
		Branch:        b,
		Messages:      msgs,
		Hints:         hints,
		ParentContent: s.parentContent(dbc, b),
	}, nil
}

func (s *service) ListByParent(ctx context.Context, active scope.Active, parentMessageID string, includeArchived bool) ([]*types.ContextualBranch, error) {
	if parentMessageID == "" {
		return nil, errs.Wrap(errs.ErrInvalid, "parent message id required")
	}
	dbc := dbctx.Context{Ctx: ctx}
	all, err := s.Branches.ListByParent(dbc, parentMessageID, includeArchived)
	if err != nil {
		return nil, err
	}
	out := make([]*types.ContextualBranch, 0, len(all))
	for _, b := range all {
		if b.TenantID != "" && b.TenantID != active.TenantID {
			continue
		}
		out = append(out, b)
	}
	return out, nil
}

func (s *service) SendMessage(ctx context.Context, active scope.Active, branchID, content, userID string) (*MessageExchange, error) {
	if active.Demo {
		return nil, errs.Wrap(errs.ErrForbidden, "the demo graph is read-only")
	}
	if strings.TrimSpace(content) == "" {
		return nil, errs.Wrap(errs.ErrInvalid, "message content required")
	}
	dbc := dbctx.Context{Ctx: ctx}
	b, err := s.loadOwned(dbc, active, branchID)
	if err != nil {
		return nil, err
	}
	if s.AI == nil {
		return nil, errs.Wrap(errs.ErrUnavailable, "no generator model configured")
	}

	history, err := s.Messages.ListByBranch(dbc, branchID, 0)
	if err != nil {
		return nil, err
	}
	if s.Limiter != nil {
		if err := s.Limiter.Wait(ctx, active.TenantID); err != nil {
			return nil, err
		}
	}
	reply, err := s.AI.GenerateText(ctx, branchSystemPrompt(b, s.parentContent(dbc, b), history), content)
	if err != nil {
		return nil, err
	}

	// The assistant turn lands one tick later so created_at ordering is
	// deterministic even on coarse clocks.
	now := time.Now().UTC()
	userMsg := &types.BranchMessage{
		ID:        uuid.NewString(),
		BranchID:  branchID,
		Role:      RoleUser,
		Content:   content,
		CreatedAt: now,
	}
	asstMsg := &types.BranchMessage{
		ID:        uuid.NewString(),
		BranchID:  branchID,
		Role:      RoleAssistant,
		Content:   reply,
		CreatedAt: now.Add(time.Millisecond),
	}
	if _, err := s.Messages.Create(dbc, []*types.BranchMessage{userMsg, asstMsg}); err != nil {
		return nil, err
	}
	if err := s.Branches.Touch(dbc, branchID); err != nil {
		s.log.Warn("branch touch failed", "branch_id", branchID, "error", err)
	}
	s.windowPush(ctx, b.ChatID, userMsg, asstMsg)

	return &MessageExchange{User: userMsg, Assistant: asstMsg}, nil
}

func (s *service) SaveHints(ctx context.Context, active scope.Active, branchID string, hints []HintInput) ([]*types.BridgingHint, error) {
	if active.Demo {
		return nil, errs.Wrap(errs.ErrForbidden, "the demo graph is read-only")
	}
	dbc := dbctx.Context{Ctx: ctx}
	b, err := s.loadOwned(dbc, active, branchID)
	if err != nil {
		return nil, err
	}
	parent := s.parentContent(dbc, b)

	now := time.Now().UTC()
	rows := make([]*types.BridgingHint, 0, len(hints))
	for _, h := range hints {
		text := strings.TrimSpace(h.HintText)
		if text == "" {
			continue
		}
		row := &types.BridgingHint{
			ID:           uuid.NewString(),
			BranchID:     branchID,
			HintText:     text,
			TargetOffset: targetOffset(parent, h.TargetPhrase, b.EndOffset),
			CreatedAt:    now,
		}
		if h.TargetPhrase != "" {
			meta, _ := json.Marshal(map[string]string{"target_phrase": h.TargetPhrase})
			row.Metadata = datatypes.JSON(meta)
		}
		rows = append(rows, row)
	}

	stored, err := s.Hints.ReplaceForBranch(dbc, branchID, rows)
	if err != nil {
		return nil, err
	}
	if err := s.Branches.Touch(dbc, branchID); err != nil {
		s.log.Warn("branch touch failed", "branch_id", branchID, "error", err)
	}
	return stored, nil
}

func (s *service) Archive(ctx context.Context, active scope.Active, branchID string, archived bool) error {
	if active.Demo {
		return errs.Wrap(errs.ErrForbidden, "the demo graph is read-only")
	}
	dbc := dbctx.Context{Ctx: ctx}
	if _, err := s.loadOwned(dbc, active, branchID); err != nil {
		return err
	}
	return s.Branches.SetArchived(dbc, branchID, archived)
}

func (s *service) Delete(ctx context.Context, active scope.Active, branchID string) error {
	if active.Demo {
		return errs.Wrap(errs.ErrForbidden, "the demo graph is read-only")
	}
	if _, err := s.loadOwned(dbctx.Context{Ctx: ctx}, active, branchID); err != nil {
		return err
	}

	remove := func(dbc dbctx.Context) error {
		if err := s.Messages.DeleteByBranch(dbc, branchID); err != nil {
			return err
		}
		if err := s.Hints.DeleteByBranch(dbc, branchID); err != nil {
			return err
		}
		return s.Branches.Delete(dbc, branchID)
	}

	if s.DB != nil {
		return s.DB.Transaction(func(tx *gorm.DB) error {
			return remove(dbctx.New(ctx, tx))
		})
	}
	return remove(dbctx.Context{Ctx: ctx})
}

// loadOwned fetches a branch and enforces tenant isolation: another
// tenant's branch does not exist as far as this caller can tell.
func (s *service) loadOwned(dbc dbctx.Context, active scope.Active, branchID string) (*types.ContextualBranch, error) {
	if branchID == "" {
		return nil, errs.Wrap(errs.ErrInvalid, "branch id required")
	}
	b, err := s.Branches.GetByID(dbc, branchID)
	if err != nil {
		return nil, err
	}
	if b.TenantID != "" && b.TenantID != active.TenantID {
		return nil, errs.Wrap(errs.ErrNotFound, "branch %s not found", branchID)
	}
	return b, nil
}

// parentContent reads the frozen parent text for the branch's stored
// version. A missing version row degrades to empty content.
func (s *service) parentContent(dbc dbctx.Context, b *types.ContextualBranch) string {
	v, err := s.Versions.Get(dbc, b.ParentMessageID, b.ParentMessageVersion)
	if err != nil {
		if errs.Kind(err) != errs.ErrNotFound {
			s.log.Warn("parent version read failed", "branch_id", b.ID, "error", err)
		}
		return ""
	}
	return v.Content
}

// -------------------- Recent chat windows (redis) --------------------

// windowEntry is the cached shape of one chat message. The window is a
// convenience copy; every read path tolerates its absence.
type windowEntry struct {
	MessageID string `json:"message_id"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	CreatedAt string `json:"created_at"`
}

func (s *service) windowPush(ctx context.Context, chatID string, msgs ...*types.BranchMessage) {
	if s.Cache == nil || chatID == "" {
		return
	}
	key := chatWindowKeyPrefix + chatID
	for _, m := range msgs {
		entry := windowEntry{
			MessageID: m.ID,
			Role:      m.Role,
			Content:   m.Content,
			CreatedAt: m.CreatedAt.Format(time.RFC3339Nano),
		}
		if err := s.Cache.PushRecent(ctx, key, entry, chatWindowMaxLen, chatWindowTTL); err != nil {
			s.log.Warn("chat window push failed", "chat_id", chatID, "error", err)
			return
		}
	}
}

// windowLookup recovers parent message content from the recent chat
// window when the client did not send it along.
func (s *service) windowLookup(ctx context.Context, chatID, messageID string) string {
	if s.Cache == nil || chatID == "" || messageID == "" {
		return ""
	}
	raw, err := s.Cache.ListRecent(ctx, chatWindowKeyPrefix+chatID, chatWindowMaxLen)
	if err != nil {
		s.log.Warn("chat window read failed", "chat_id", chatID, "error", err)
		return ""
	}
	for _, item := range raw {
		var entry windowEntry
		if jsonErr := decodeWindowEntry(item, &entry); jsonErr != nil {
			continue
		}
		if entry.MessageID == messageID {
			return entry.Content
		}
	}
	return ""
}

// -------------------- Prompt assembly --------------------

// branchSystemPrompt frames the generator: the frozen parent excerpt,
// the anchored span, and the branch conversation so far.
func branchSystemPrompt(b *types.ContextualBranch, parent string, history []*types.BranchMessage) string {
	var sb strings.Builder
	sb.WriteString("ROLE: You continue a focused side-conversation anchored to a highlighted span of a larger message.\n")
	sb.WriteString("TASK: Answer the user's latest message using the anchored span and the conversation so far.\n")
	sb.WriteString("CONTEXT:\n")
	if parent != "" {
		fmt.Fprintf(&sb, "Parent message (version %d):\n%s\n", b.ParentMessageVersion, excerptAround(parent, b.StartOffset, b.EndOffset, parentExcerptMax))
	} else {
		sb.WriteString("Parent message: (content unavailable)\n")
	}
	fmt.Fprintf(&sb, "Anchored span: %q\n", b.SelectedText)
	if len(history) > 0 {
		sb.WriteString("Conversation so far:\n")
		start := 0
		if len(history) > historyRenderMax {
			start = len(history) - historyRenderMax
		}
		for _, m := range history[start:] {
			fmt.Fprintf(&sb, "%s: %s\n", m.Role, m.Content)
		}
	}
	sb.WriteString("RULES:\n")
	sb.WriteString("- Stay on the anchored span's subject; do not drift into unrelated parts of the parent.\n")
	sb.WriteString("- Be concise and direct.\n")
	return sb.String()
}

// excerptAround windows long parent content around the anchored span so
// the prompt stays bounded. Short content passes through whole.
func excerptAround(content string, start, end, budget int) string {
	runes := []rune(content)
	if len(runes) <= budget {
		return content
	}
	if end <= start || end > len(runes) {
		return string(runes[:budget]) + "…"
	}
	span := end - start
	pad := (budget - span) / 2
	if pad < 0 {
		pad = 0
	}
	lo := start - pad
	if lo < 0 {
		lo = 0
	}
	hi := end + pad
	if hi > len(runes) {
		hi = len(runes)
	}
	out := string(runes[lo:hi])
	if lo > 0 {
		out = "…" + out
	}
	if hi < len(runes) {
		out = out + "…"
	}
	return out
}

// targetOffset locates the target phrase in the frozen parent and
// returns its rune offset; a miss falls back to the span end.
func targetOffset(parent, phrase string, fallback int) int {
	if parent == "" || phrase == "" {
		return fallback
	}
	idx := strings.Index(parent, phrase)
	if idx < 0 {
		return fallback
	}
	return utf8.RuneCountInString(parent[:idx])
}

func decodeWindowEntry(raw string, out *windowEntry) error {
	return json.Unmarshal([]byte(raw), out)
}
