package export

import (
	"context"
	"fmt"
	"path"
	"time"

	"manchengo/api/internal/store"

	"go.uber.org/zap"
)

const (
	mimePDF        = "application/pdf"
	archiveTimeout = 10 * time.Second
)

// Service renders business documents. It satisfies procurement.Documents
// and invoicing.Documents.
type Service struct {
	renderer Renderer
	archive  Archiver
	company  Company
	logger   *zap.Logger
}

// NewService creates a document service. archive may be nil.
func NewService(renderer Renderer, archive Archiver, company Company, logger *zap.Logger) *Service {
	if renderer == nil {
		renderer = ChromeRenderer{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		renderer: renderer,
		archive:  archive,
		company:  company,
		logger:   logger.With(zap.String("component", "export")),
	}
}

func (s *Service) PurchaseOrderPDF(ctx context.Context, po store.PurchaseOrder) ([]byte, error) {
	html, err := RenderPurchaseOrderHTML(s.company, po)
	if err != nil {
		return nil, fmt.Errorf("render purchase order: %w", err)
	}
	return s.pdf(ctx, html, ArchiveKey("purchase-orders", po.Reference, po.CreatedAt))
}

func (s *Service) InvoicePDF(ctx context.Context, inv store.Invoice) ([]byte, error) {
	html, err := RenderInvoiceHTML(s.company, inv)
	if err != nil {
		return nil, fmt.Errorf("render invoice: %w", err)
	}
	return s.pdf(ctx, html, ArchiveKey("invoices", inv.Reference, inv.InvoiceDate))
}

func (s *Service) pdf(ctx context.Context, html, key string) ([]byte, error) {
	data, err := s.renderer.PDF(ctx, html)
	if err != nil {
		return nil, err
	}
	if s.archive != nil {
		// Archiving is best effort and outlives a cancelled request.
		archiveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), archiveTimeout)
		defer cancel()
		if err := s.archive.Put(archiveCtx, key, data, mimePDF); err != nil {
			s.logger.Warn("archive document", zap.String("key", key), zap.Error(err))
		}
	}
	return data, nil
}

// ArchiveKey places a document under its kind and year, e.g.
// "invoices/2025/F-250314-001.pdf".
func ArchiveKey(kind, reference string, at time.Time) string {
	return path.Join(kind, at.Format("2006"), sanitizeFilename(reference)+".pdf")
}

// Filename is the attachment name offered for download.
func Filename(reference string) string {
	return sanitizeFilename(reference) + ".pdf"
}
