package gcp

import (
	"context"
	"fmt"
	"strings"
	"time"

	vision "cloud.google.com/go/vision/v2/apiv1"
	visionpb "cloud.google.com/go/vision/v2/apiv1/visionpb"

	"github.com/quillgraph/quillgraph-backend/internal/pkg/errs"
	"github.com/quillgraph/quillgraph-backend/internal/platform/logger"
)

// Vision OCRs note images during ingest. The engine only needs the
// recovered text; layout and confidence stay inside this package.
type Vision interface {
	OCRImageBytes(ctx context.Context, img []byte, mimeType string) (string, error)
	Close() error
}

type visionService struct {
	log    *logger.Logger
	client *vision.ImageAnnotatorClient
}

// NewVisionFromEnv builds the OCR provider when GCP credentials are
// configured. Without credentials it returns (nil, nil) and note-image
// ingestion skips the OCR step.
func NewVisionFromEnv(log *logger.Logger) (Vision, error) {
	if len(ClientOptionsFromEnv()) == 0 {
		return nil, nil
	}
	return NewVision(log)
}

func NewVision(log *logger.Logger) (Vision, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}

	client, err := vision.NewImageAnnotatorClient(context.Background(), ClientOptionsFromEnv()...)
	if err != nil {
		return nil, fmt.Errorf("vision client: %w", err)
	}

	return &visionService{
		log:    log.With("service", "gcp.Vision"),
		client: client,
	}, nil
}

func (s *visionService) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *visionService) OCRImageBytes(ctx context.Context, img []byte, mimeType string) (string, error) {
	if len(img) == 0 {
		return "", nil
	}

	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	req := &visionpb.BatchAnnotateImagesRequest{
		Requests: []*visionpb.AnnotateImageRequest{
			{
				Image: &visionpb.Image{Content: img},
				Features: []*visionpb.Feature{
					{Type: visionpb.Feature_DOCUMENT_TEXT_DETECTION},
				},
			},
		},
	}

	resp, err := s.client.BatchAnnotateImages(ctx, req)
	if err != nil {
		return "", errs.WithKind(errs.ErrUnavailable, fmt.Errorf("vision BatchAnnotateImages: %w", err))
	}
	if resp == nil || len(resp.Responses) == 0 || resp.Responses[0] == nil {
		return "", nil
	}

	r0 := resp.Responses[0]
	if r0.Error != nil && r0.Error.Message != "" {
		return "", errs.Wrap(errs.ErrUnavailable, "vision annotate: %s", r0.Error.Message)
	}

	fta := r0.FullTextAnnotation
	if fta == nil || strings.TrimSpace(fta.Text) == "" {
		s.log.Debug("vision returned no text", "mime_type", mimeType, "bytes", len(img))
		return "", nil
	}
	return collapseWhitespace(fta.Text), nil
}
