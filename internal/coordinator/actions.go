package coordinator

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/ledongthuc/pdf"
)

// printToPDFResultWire decodes Page.printToPDF's {data: base64 string}
// envelope.
type printToPDFResultWire struct {
	Data string `json:"data"`
}

// ArchivePDF renders the target's current page to PDF via
// Page.printToPDF and validates the result is a well-formed, readable PDF
// before handing the raw bytes back -- a best-effort archival companion
// to the video/DOM replay artifacts, not part of the core solve pipeline.
func (c *Coordinator) ArchivePDF(ctx context.Context, targetID string) ([]byte, error) {
	sessionID, ok := c.sessionIDFor(targetID)
	if !ok {
		return nil, fmt.Errorf("coordinator: no session for target %s", targetID)
	}

	raw, err := c.transport.Send(ctx, "Page.printToPDF", map[string]interface{}{
		"marginTop":    0.5,
		"marginBottom": 0.5,
	}, sessionID)
	if err != nil {
		return nil, err
	}
	var wire printToPDFResultWire
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, err
	}
	buf, err := base64.StdEncoding.DecodeString(wire.Data)
	if err != nil {
		return nil, err
	}

	r, err := pdf.NewReader(bytes.NewReader(buf), int64(len(buf)))
	if err != nil {
		return nil, fmt.Errorf("coordinator: printToPDF produced an unreadable archive: %w", err)
	}
	if _, err := r.GetPlainText(); err != nil {
		return nil, fmt.Errorf("coordinator: pdf archive text extraction failed: %w", err)
	}
	return buf, nil
}
