// Package document resolves the page geometry of documents so field
// placements can be checked before they are assigned.
package document

import (
	"context"
	"fmt"
	"sync"

	"github.com/pitabwire/signet/model"
)

// Page is the size of one page in the same units as field positions.
type Page struct {
	Number int     `json:"pageNumber"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Document is the geometry of a document.
type Document struct {
	ID    string `json:"id"`
	Pages []Page `json:"pages"`
}

// PageCount returns the number of pages.
func (d Document) PageCount() int {
	return len(d.Pages)
}

// Page returns the page with the given 1-based number.
func (d Document) Page(number int) (Page, bool) {
	for _, p := range d.Pages {
		if p.Number == number {
			return p, true
		}
	}
	return Page{}, false
}

// Resolver loads document geometry.
type Resolver interface {
	Resolve(ctx context.Context, documentID string) (Document, error)
}

// CheckBounds reports FIELD_OUT_OF_BOUNDS when the field does not fit on
// its page. A zero page dimension disables the check on that axis.
func CheckBounds(doc Document, f model.AssignedField) error {
	if f.PageNumber < 1 || f.PageNumber > doc.PageCount() {
		return model.NewFieldOutOfBoundsError(fmt.Sprintf(
			"page %d outside document %s with %d pages", f.PageNumber, doc.ID, doc.PageCount()))
	}
	if f.PositionX < 0 || f.PositionY < 0 || f.Width < 0 || f.Height < 0 {
		return model.NewFieldOutOfBoundsError("field position and size must not be negative")
	}
	page, ok := doc.Page(f.PageNumber)
	if !ok {
		return model.NewFieldOutOfBoundsError(fmt.Sprintf("page %d not found in document %s", f.PageNumber, doc.ID))
	}
	if page.Width > 0 && f.PositionX+f.Width > page.Width {
		return model.NewFieldOutOfBoundsError(fmt.Sprintf(
			"field exceeds page %d width %.2f", page.Number, page.Width))
	}
	if page.Height > 0 && f.PositionY+f.Height > page.Height {
		return model.NewFieldOutOfBoundsError(fmt.Sprintf(
			"field exceeds page %d height %.2f", page.Number, page.Height))
	}
	return nil
}

// MemoryResolver is an in-memory Resolver.
type MemoryResolver struct {
	mu   sync.RWMutex
	docs map[string]Document
}

// NewMemoryResolver creates a MemoryResolver seeded with docs.
func NewMemoryResolver(docs ...Document) *MemoryResolver {
	r := &MemoryResolver{docs: make(map[string]Document, len(docs))}
	for _, d := range docs {
		r.Put(d)
	}
	return r
}

// Put registers or replaces a document.
func (r *MemoryResolver) Put(d Document) {
	pages := make([]Page, len(d.Pages))
	copy(pages, d.Pages)
	d.Pages = pages

	r.mu.Lock()
	r.docs[d.ID] = d
	r.mu.Unlock()
}

// Resolve implements Resolver.
func (r *MemoryResolver) Resolve(_ context.Context, documentID string) (Document, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.docs[documentID]
	if !ok {
		return Document{}, model.NewNotFoundError("document " + documentID + " not found")
	}
	pages := make([]Page, len(d.Pages))
	copy(pages, d.Pages)
	d.Pages = pages
	return d, nil
}

// UniformPages builds n pages of the same size.
func UniformPages(n int, width, height float64) []Page {
	pages := make([]Page, n)
	for i := range pages {
		pages[i] = Page{Number: i + 1, Width: width, Height: height}
	}
	return pages
}
