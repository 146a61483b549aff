package document

import "time"

// Document is one agreement document presented on the public signing page.
// Which documents apply is keyed by the packet's selection code.
type Document struct {
	ID            string
	SelectionCode int
	Title         string
	TemplateKey   string
	SortOrder     int
	CreatedAt     time.Time
}
