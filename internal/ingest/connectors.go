package ingest

import (
	"context"
	"encoding/base64"
	"strings"

	types "github.com/quillgraph/quillgraph-backend/internal/domain"
	"github.com/quillgraph/quillgraph-backend/internal/pkg/errs"
	"github.com/quillgraph/quillgraph-backend/internal/platform/logger"
	"github.com/quillgraph/quillgraph-backend/internal/scope"
)

// SkipOCRUnavailable marks a note image that could not be read because
// no OCR provider is configured or reachable.
const SkipOCRUnavailable = "ocr_unavailable"

// TextExtractor recovers text from an image. The Vision client
// satisfies it.
type TextExtractor interface {
	OCRImageBytes(ctx context.Context, img []byte, mimeType string) (string, error)
}

// WebIngestInput is one captured page, snapshot or note image from the
// browser edge.
type WebIngestInput struct {
	URL           string          `json:"url"`
	Title         string          `json:"title,omitempty"`
	Text          string          `json:"text,omitempty"`
	ArtifactType  string          `json:"artifact_type,omitempty"`
	ImageBase64   string          `json:"image_base64,omitempty"`
	ImageMime     string          `json:"image_mime,omitempty"`
	SelectionText string          `json:"selection_text,omitempty"`
	Anchor        string          `json:"anchor,omitempty"`
	Metadata      map[string]any  `json:"metadata,omitempty"`
	Policy        IngestionPolicy `json:"policy,omitempty"`
}

// LectureIngestInput is a pasted or uploaded text corpus.
type LectureIngestInput struct {
	Title    string         `json:"title"`
	Text     string         `json:"text"`
	SourceID string         `json:"source_id,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// NotionPage is one page from a workspace sync.
type NotionPage struct {
	PageID   string         `json:"page_id"`
	Title    string         `json:"title,omitempty"`
	URL      string         `json:"url,omitempty"`
	Text     string         `json:"text"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// FinanceDoc is one filing or report from the finance connectors.
type FinanceDoc struct {
	AccessionID string         `json:"accession_id"`
	URL         string         `json:"url,omitempty"`
	Title       string         `json:"title,omitempty"`
	Text        string         `json:"text"`
	FormType    string         `json:"form_type,omitempty"`
	Ticker      string         `json:"ticker,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Connectors are the per-kind edges in front of the kernel. Each fills
// ArtifactInput for its kind, runs the pre-processing only that kind
// needs (OCR for note images) and forwards with the kind's default
// actions. The kernel never learns where a document came from.
type Connectors interface {
	IngestWeb(ctx context.Context, active scope.Active, in WebIngestInput) (*IngestionResult, error)
	IngestLecture(ctx context.Context, active scope.Active, in LectureIngestInput) (*IngestionResult, error)
	IngestNotionPages(ctx context.Context, active scope.Active, pages []NotionPage) (*BatchResult, error)
	IngestFinanceDocs(ctx context.Context, active scope.Active, docs []FinanceDoc) (*BatchResult, error)
}

// ConnectorDeps carries the kernel plus optional edge collaborators.
// OCR may be nil; note images then skip with ocr_unavailable.
type ConnectorDeps struct {
	Kernel Service
	OCR    TextExtractor
}

type connectors struct {
	ConnectorDeps
	log *logger.Logger
}

func NewConnectors(deps ConnectorDeps, baseLog *logger.Logger) Connectors {
	return &connectors{ConnectorDeps: deps, log: baseLog.With("service", "IngestConnectors")}
}

func (c *connectors) IngestWeb(ctx context.Context, active scope.Active, in WebIngestInput) (*IngestionResult, error) {
	kind := in.ArtifactType
	if kind == "" {
		kind = "webpage"
	}
	switch kind {
	case "webpage", "web_snapshot":
		if strings.TrimSpace(in.URL) == "" {
			return nil, errs.Wrap(errs.ErrInvalid, "web ingest requires url")
		}
	case "note_image":
		if strings.TrimSpace(in.Text) == "" && in.ImageBase64 == "" {
			return nil, errs.Wrap(errs.ErrInvalid, "note image requires text or image_base64")
		}
	default:
		return nil, errs.Wrap(errs.ErrInvalid, "artifact_type %q is not a web capture", kind)
	}

	text := in.Text
	if kind == "note_image" && strings.TrimSpace(text) == "" {
		recovered, skipRes, err := c.extractImageText(ctx, in)
		if err != nil {
			return nil, err
		}
		if skipRes != nil {
			return skipRes, nil
		}
		text = recovered
	}

	return c.Kernel.Ingest(ctx, active, ArtifactInput{
		ArtifactType:  kind,
		SourceURL:     in.URL,
		Title:         in.Title,
		Text:          text,
		SelectionText: in.SelectionText,
		Anchor:        in.Anchor,
		Metadata:      in.Metadata,
		Actions: IngestionActions{
			CreateArtifactNode: true,
			RunChunkAndClaims:  true,
			EmbedClaims:        true,
		},
		Policy: in.Policy,
	})
}

// extractImageText OCRs the note image. A missing or unreachable
// provider degrades to a SKIPPED result so offline captures queue up
// instead of erroring.
func (c *connectors) extractImageText(ctx context.Context, in WebIngestInput) (string, *IngestionResult, error) {
	skipped := func(msgs ...string) *IngestionResult {
		return &IngestionResult{
			Status:        types.RunSkipped,
			SkipReason:    SkipOCRUnavailable,
			SummaryCounts: map[string]int{},
			Errors:        msgs,
		}
	}
	if c.OCR == nil {
		c.log.Info("note image skipped, no ocr provider", "url", in.URL)
		return "", skipped(), nil
	}
	img, err := base64.StdEncoding.DecodeString(in.ImageBase64)
	if err != nil {
		return "", nil, errs.Wrap(errs.ErrInvalid, "image_base64 is not valid base64: %v", err)
	}
	text, err := c.OCR.OCRImageBytes(ctx, img, in.ImageMime)
	if err != nil {
		if errs.Kind(err) == errs.ErrUnavailable {
			c.log.Warn("ocr unavailable", "url", in.URL, "error", err)
			return "", skipped(err.Error()), nil
		}
		return "", nil, err
	}
	return text, nil, nil
}

func (c *connectors) IngestLecture(ctx context.Context, active scope.Active, in LectureIngestInput) (*IngestionResult, error) {
	if strings.TrimSpace(in.Title) == "" {
		return nil, errs.Wrap(errs.ErrInvalid, "lecture ingest requires title")
	}
	if strings.TrimSpace(in.Text) == "" {
		return nil, errs.Wrap(errs.ErrInvalid, "lecture ingest requires text")
	}
	return c.Kernel.Ingest(ctx, active, ArtifactInput{
		ArtifactType: "upload",
		SourceID:     in.SourceID,
		Title:        in.Title,
		Text:         in.Text,
		Metadata:     in.Metadata,
		Actions: IngestionActions{
			RunLectureExtraction: true,
			RunChunkAndClaims:    true,
			EmbedClaims:          true,
			CreateArtifactNode:   true,
			CreateLectureNode:    true,
		},
	})
}

func (c *connectors) IngestNotionPages(ctx context.Context, active scope.Active, pages []NotionPage) (*BatchResult, error) {
	if len(pages) == 0 {
		return nil, errs.Wrap(errs.ErrInvalid, "no pages given")
	}
	inputs := make([]ArtifactInput, 0, len(pages))
	for _, p := range pages {
		inputs = append(inputs, ArtifactInput{
			ArtifactType: "notion_page",
			SourceID:     p.PageID,
			SourceURL:    p.URL,
			Title:        p.Title,
			Text:         p.Text,
			Metadata:     p.Metadata,
			Actions: IngestionActions{
				CreateArtifactNode: true,
				RunChunkAndClaims:  true,
				EmbedClaims:        true,
			},
		})
	}
	return c.Kernel.IngestBatch(ctx, active, "notion_sync", inputs)
}

func (c *connectors) IngestFinanceDocs(ctx context.Context, active scope.Active, docs []FinanceDoc) (*BatchResult, error) {
	if len(docs) == 0 {
		return nil, errs.Wrap(errs.ErrInvalid, "no documents given")
	}
	inputs := make([]ArtifactInput, 0, len(docs))
	for _, d := range docs {
		meta := map[string]any{}
		for k, v := range d.Metadata {
			meta[k] = v
		}
		if d.FormType != "" {
			meta["form_type"] = d.FormType
		}
		if d.Ticker != "" {
			meta["ticker"] = d.Ticker
		}
		inputs = append(inputs, ArtifactInput{
			ArtifactType: "finance_doc",
			SourceID:     d.AccessionID,
			SourceURL:    d.URL,
			Title:        d.Title,
			Text:         d.Text,
			Metadata:     meta,
			Actions: IngestionActions{
				CreateArtifactNode: true,
				RunChunkAndClaims:  true,
				EmbedClaims:        true,
			},
		})
	}
	return c.Kernel.IngestBatch(ctx, active, "finance_batch", inputs)
}
