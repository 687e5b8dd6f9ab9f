package transfer

import (
	"bytes"
	"fmt"

	"github.com/garyjia/attachment-queue/internal/domain/entity"
	"github.com/gen2brain/go-fitz"
)

// Verifier inspects downloaded bytes before they are persisted
type Verifier interface {
	Verify(desc entity.AttachmentDescriptor, mimeType string, content []byte) error
}

var pdfMagic = []byte("%PDF-")

// PDFVerifier rejects PDF documents that cannot be opened or have no pages.
// Other content passes through untouched.
type PDFVerifier struct{}

// NewPDFVerifier creates a new PDF verifier
func NewPDFVerifier() *PDFVerifier {
	return &PDFVerifier{}
}

// Verify opens PDF content with MuPDF and checks the page count
func (v *PDFVerifier) Verify(desc entity.AttachmentDescriptor, mimeType string, content []byte) error {
	if !IsPDF(desc, mimeType, content) {
		return nil
	}

	if !bytes.HasPrefix(content, pdfMagic) {
		return fmt.Errorf("document %s is not a valid PDF", desc.ID)
	}

	doc, err := fitz.NewFromMemory(content)
	if err != nil {
		return fmt.Errorf("failed to open PDF %s: %w", desc.ID, err)
	}
	defer doc.Close()

	if doc.NumPage() == 0 {
		return fmt.Errorf("PDF %s has no pages", desc.ID)
	}

	return nil
}

// IsPDF reports whether the attachment should be treated as a PDF document
func IsPDF(desc entity.AttachmentDescriptor, mimeType string, content []byte) bool {
	if desc.Kind != entity.KindDocument {
		return false
	}
	if mimeType == "application/pdf" || bytes.HasPrefix(content, pdfMagic) {
		return true
	}
	return mimeTypeByExtension(desc.Destination) == "application/pdf"
}
