// Package export renders purchase orders and invoices to PDF and archives
// the generated files in object storage.
package export

import "errors"

// Company is the issuer block printed on every document.
type Company struct {
	Name    string
	Address string
	NIF     string
}

var (
	// ErrPDFDependencyMissing indicates PDF export runtime dependencies are unavailable.
	ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
	// ErrArchiveDisabled is returned when no object storage is configured.
	ErrArchiveDisabled = errors.New("document archive not configured")
)
