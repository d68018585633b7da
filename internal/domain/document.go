package domain

import (
	"time"
)

// Document is a generated document stored for its owner.
type Document struct {
	ID        string    `json:"id"`
	UserID    string    `json:"-"`
	Title     string    `json:"title"`
	Category  string    `json:"category"`
	HTML      string    `json:"html,omitempty"`
	PDF       []byte    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

// DownloadURL is the reference clients use to fetch the PDF.
func (d *Document) DownloadURL() string {
	return "/api/documents/" + d.ID + "/pdf"
}

// HasPDF returns true once the PDF has been rendered and cached.
func (d *Document) HasPDF() bool {
	return len(d.PDF) > 0
}

// Category describes a document type the generator can produce.
type Category struct {
	Key    string      `json:"key" yaml:"key"`
	Title  string      `json:"title" yaml:"title"`
	Blurb  string      `json:"blurb,omitempty" yaml:"blurb"`
	Fields []FieldSpec `json:"fields" yaml:"fields"`
}

// FieldSpec is an advisory description of one form input.
type FieldSpec struct {
	ID          string `json:"id" yaml:"id"`
	Label       string `json:"label" yaml:"label"`
	Type        string `json:"type" yaml:"type"`
	Section     string `json:"section,omitempty" yaml:"section"`
	Placeholder string `json:"placeholder,omitempty" yaml:"placeholder"`
	Required    bool   `json:"required" yaml:"required"`
}

// Filename returns the PDF filename for documents of this category.
func (c *Category) Filename() string {
	if c.Key == "" {
		return "document.pdf"
	}
	return c.Key + "_document.pdf"
}
