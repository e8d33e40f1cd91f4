package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// AnnotationType classifies what kind of mark an annotation is.
type AnnotationType string

const (
	TypeHighlight AnnotationType = "highlight"
	TypeUnderline AnnotationType = "underline"
	TypeStrikeout AnnotationType = "strikeout"
	TypeNote      AnnotationType = "note"
	TypeText      AnnotationType = "text"
	TypeInk       AnnotationType = "ink"
	TypeImage     AnnotationType = "image"
	TypeShape     AnnotationType = "shape"
)

// DocumentType discriminates which position variant an annotation carries.
type DocumentType string

const (
	DocPDF  DocumentType = "pdf"
	DocEPUB DocumentType = "epub"
	DocHTML DocumentType = "html"
	DocText DocumentType = "text"
)

// Visibility is the three-way sharing level every platform's privacy
// vocabulary is mapped onto.
type Visibility string

const (
	VisibilityPrivate Visibility = "private"
	VisibilityShared  Visibility = "shared"
	VisibilityPublic  Visibility = "public"
)

// Author identifies who created an annotation on its source platform.
type Author struct {
	ID              string `json:"id"`
	Name            string `json:"name,omitempty"`
	Platform        string `json:"platform,omitempty"`
	IsAuthoritative bool   `json:"isAuthoritative,omitempty"`
}

// Content holds the optional textual payload of an annotation.
type Content struct {
	Text    string `json:"text,omitempty"`
	Comment string `json:"comment,omitempty"`
	Color   string `json:"color,omitempty"`
}

// Metadata carries platform provenance, authorship and sharing level.
type Metadata struct {
	Platform   string     `json:"platform"`
	Version    string     `json:"version,omitempty"`
	Author     Author     `json:"author"`
	Tags       []string   `json:"tags,omitempty"`
	Visibility Visibility `json:"visibility"`
}

// Annotation is the universal, platform-neutral annotation every converter
// produces and the sync engine operates on.
type Annotation struct {
	ID         string         `json:"id"`
	Type       AnnotationType `json:"type"`
	DocumentID string         `json:"documentId"`
	Position   Position       `json:"position"`
	Content    Content        `json:"content"`
	Metadata   Metadata       `json:"metadata"`
	CreatedAt  time.Time      `json:"createdAt"`
	ModifiedAt time.Time      `json:"modifiedAt"`
	// Extensions preserves platform fields with no universal equivalent so
	// a round-trip back to the source platform can restore them verbatim.
	Extensions map[string]any `json:"extensions,omitempty"`
}

// Record is the server-side annotation entry held by a room. Version starts
// at 1 and increments by exactly one on every accepted update.
type Record struct {
	Annotation
	Version    int    `json:"version"`
	CreatedBy  string `json:"createdBy"`
	ModifiedBy string `json:"modifiedBy"`
}

// Changes is the shallow-merge payload of an update: each present field
// replaces the stored field wholesale. The id, version and audit fields are
// never client-writable.
type Changes struct {
	Type       *AnnotationType `json:"type,omitempty"`
	Position   *Position       `json:"position,omitempty"`
	Content    *Content        `json:"content,omitempty"`
	Metadata   *Metadata       `json:"metadata,omitempty"`
	Extensions map[string]any  `json:"extensions,omitempty"`
}

// PDFPosition locates an annotation on a PDF page. Rects and Paths use the
// source platform's coordinate arrays unmodified.
type PDFPosition struct {
	PageIndex int         `json:"pageIndex"`
	Rects     [][]float64 `json:"rects,omitempty"`
	Paths     [][]float64 `json:"paths,omitempty"`
	Rotation  int         `json:"rotation,omitempty"`
}

// EPUBPosition locates an annotation by canonical fragment identifier.
type EPUBPosition struct {
	CFI        string `json:"cfi"`
	SpineIndex int    `json:"spineIndex,omitempty"`
}

// HTMLPosition locates an annotation in a web page.
type HTMLPosition struct {
	Selector string `json:"selector"`
	URL      string `json:"url,omitempty"`
	Title    string `json:"title,omitempty"`
}

// TextPosition locates an annotation by plain character offsets.
type TextPosition struct {
	StartOffset int    `json:"startOffset"`
	EndOffset   int    `json:"endOffset"`
	Context     string `json:"context,omitempty"`
}

// Position is a tagged union over the four documentType variants. Exactly
// one variant is populated; the constructors are the only way to build one,
// so an inconsistent payload cannot be constructed.
type Position struct {
	docType DocumentType
	pdf     *PDFPosition
	epub    *EPUBPosition
	html    *HTMLPosition
	text    *TextPosition
}

// NewPDFPosition builds the pdf variant.
func NewPDFPosition(p PDFPosition) Position {
	return Position{docType: DocPDF, pdf: &p}
}

// NewEPUBPosition builds the epub variant.
func NewEPUBPosition(p EPUBPosition) Position {
	return Position{docType: DocEPUB, epub: &p}
}

// NewHTMLPosition builds the html variant.
func NewHTMLPosition(p HTMLPosition) Position {
	return Position{docType: DocHTML, html: &p}
}

// NewTextPosition builds the text variant.
func NewTextPosition(p TextPosition) Position {
	return Position{docType: DocText, text: &p}
}

// DocumentType reports which variant is populated.
func (p Position) DocumentType() DocumentType { return p.docType }

// IsZero reports whether the position was never populated.
func (p Position) IsZero() bool { return p.docType == "" }

// PDF returns the pdf payload when this is the pdf variant.
func (p Position) PDF() (PDFPosition, bool) {
	if p.pdf == nil {
		return PDFPosition{}, false
	}
	return *p.pdf, true
}

// EPUB returns the epub payload when this is the epub variant.
func (p Position) EPUB() (EPUBPosition, bool) {
	if p.epub == nil {
		return EPUBPosition{}, false
	}
	return *p.epub, true
}

// HTML returns the html payload when this is the html variant.
func (p Position) HTML() (HTMLPosition, bool) {
	if p.html == nil {
		return HTMLPosition{}, false
	}
	return *p.html, true
}

// Text returns the text payload when this is the text variant.
func (p Position) Text() (TextPosition, bool) {
	if p.text == nil {
		return TextPosition{}, false
	}
	return *p.text, true
}

// MarshalJSON flattens the populated variant alongside its documentType
// discriminator. A zero position encodes as null.
func (p Position) MarshalJSON() ([]byte, error) {
	type tag struct {
		DocumentType DocumentType `json:"documentType"`
	}
	switch p.docType {
	case DocPDF:
		return json.Marshal(struct {
			tag
			PDFPosition
		}{tag{DocPDF}, *p.pdf})
	case DocEPUB:
		return json.Marshal(struct {
			tag
			EPUBPosition
		}{tag{DocEPUB}, *p.epub})
	case DocHTML:
		return json.Marshal(struct {
			tag
			HTMLPosition
		}{tag{DocHTML}, *p.html})
	case DocText:
		return json.Marshal(struct {
			tag
			TextPosition
		}{tag{DocText}, *p.text})
	}
	return []byte("null"), nil
}

// UnmarshalJSON dispatches on the documentType discriminator and rejects
// unknown or missing discriminators.
func (p *Position) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*p = Position{}
		return nil
	}
	var probe struct {
		DocumentType DocumentType `json:"documentType"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}
	switch probe.DocumentType {
	case DocPDF:
		var v PDFPosition
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*p = NewPDFPosition(v)
	case DocEPUB:
		var v EPUBPosition
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*p = NewEPUBPosition(v)
	case DocHTML:
		var v HTMLPosition
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*p = NewHTMLPosition(v)
	case DocText:
		var v TextPosition
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*p = NewTextPosition(v)
	case "":
		return errors.New("position missing documentType")
	default:
		return fmt.Errorf("unknown documentType %q", probe.DocumentType)
	}
	return nil
}
