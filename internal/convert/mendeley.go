package convert

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"annosync/internal/model"
)

// Mendeley converts citation-manager annotations.
//
// Type mapping (partial, fallback note): the native vocabulary only has
// highlight and sticky_note, so every mark-like universal type collapses
// onto highlight on the way back.
//
// Position classification: a positions array with page boxes is pdf; a
// text_offsets object is plain text; there is no epub or html shape, so
// those universal variants round-trip through text offsets of 0.
type Mendeley struct{}

// Platform implements Converter.
func (*Mendeley) Platform() string { return "mendeley" }

var mendeleyTypes = map[string]model.AnnotationType{
	"highlight":   model.TypeHighlight,
	"sticky_note": model.TypeNote,
}

var mendeleyTypesBack = map[model.AnnotationType]string{
	model.TypeHighlight: "highlight",
	model.TypeUnderline: "highlight",
	model.TypeStrikeout: "highlight",
	model.TypeNote:      "sticky_note",
	model.TypeText:      "sticky_note",
	model.TypeInk:       "highlight",
	model.TypeImage:     "sticky_note",
	model.TypeShape:     "sticky_note",
}

// ToUniversal implements Converter.
func (m *Mendeley) ToUniversal(native map[string]any) (model.Annotation, error) {
	if native == nil {
		return model.Annotation{}, convErr(m.Platform(), "nil record")
	}

	id := getString(native, "id")
	if id == "" {
		id = uuid.NewString()
	}

	annType, ok := mendeleyTypes[getString(native, "type")]
	if !ok {
		annType = model.TypeNote
	}

	position, err := m.position(native)
	if err != nil {
		return model.Annotation{}, err
	}

	color := ""
	if c := getMap(native, "color"); c != nil {
		r, okR := getInt(c, "r")
		g, okG := getInt(c, "g")
		b, okB := getInt(c, "b")
		if !okR || !okG || !okB {
			return model.Annotation{}, convErr(m.Platform(), "malformed color object")
		}
		color = fmt.Sprintf("#%02x%02x%02x", r, g, b)
	}

	ann := model.Annotation{
		ID:         id,
		Type:       annType,
		DocumentID: getString(native, "document_id"),
		Position:   position,
		Content: model.Content{
			Text:    getString(native, "text"),
			Comment: getString(native, "note"),
			Color:   color,
		},
		Metadata: model.Metadata{
			Platform: m.Platform(),
			Author: model.Author{
				ID:       getString(native, "profile_id"),
				Name:     getString(native, "author"),
				Platform: "mendeley",
			},
			Visibility: mendeleyVisibility(getString(native, "privacy_level")),
		},
		CreatedAt:  parseTime(getString(native, "created")),
		ModifiedAt: parseTime(getString(native, "last_modified")),
	}

	ext := make(map[string]any)
	for _, key := range []string{"filehash", "group_id"} {
		if v, ok := native[key]; ok {
			ext[key] = v
		}
	}
	if len(ext) > 0 {
		ann.Extensions = ext
	}

	return ann, nil
}

func (m *Mendeley) position(native map[string]any) (model.Position, error) {
	if raw := getSlice(native, "positions"); len(raw) > 0 {
		first, ok := raw[0].(map[string]any)
		if !ok {
			return model.Position{}, convErr(m.Platform(), "malformed positions array")
		}
		page, ok := getInt(first, "page")
		if !ok {
			return model.Position{}, convErr(m.Platform(), "positions entry missing page")
		}

		rects := make([][]float64, 0, len(raw))
		for _, entry := range raw {
			box, ok := entry.(map[string]any)
			if !ok {
				continue
			}
			tl := getMap(box, "top_left")
			br := getMap(box, "bottom_right")
			if tl == nil || br == nil {
				continue
			}
			x1, _ := getFloat(tl, "x")
			y1, _ := getFloat(tl, "y")
			x2, _ := getFloat(br, "x")
			y2, _ := getFloat(br, "y")
			rects = append(rects, []float64{x1, y1, x2, y2})
		}
		// Mendeley pages are 1-based.
		return model.NewPDFPosition(model.PDFPosition{PageIndex: page - 1, Rects: rects}), nil
	}

	if offsets := getMap(native, "text_offsets"); offsets != nil {
		start, _ := getInt(offsets, "start")
		end, _ := getInt(offsets, "end")
		return model.NewTextPosition(model.TextPosition{
			StartOffset: start,
			EndOffset:   end,
			Context:     getString(native, "text"),
		}), nil
	}

	return model.NewTextPosition(model.TextPosition{Context: getString(native, "text")}), nil
}

// FromUniversal implements Converter.
func (m *Mendeley) FromUniversal(ann model.Annotation) (map[string]any, error) {
	native := map[string]any{
		"id":            ann.ID,
		"type":          mendeleyTypesBack[ann.Type],
		"document_id":   ann.DocumentID,
		"privacy_level": mendeleyVisibilityBack(ann.Metadata.Visibility),
	}
	if native["type"] == nil || native["type"] == "" {
		native["type"] = "sticky_note"
	}

	if ann.Content.Text != "" {
		native["text"] = ann.Content.Text
	}
	if ann.Content.Comment != "" {
		native["note"] = ann.Content.Comment
	}
	if ann.Content.Color != "" {
		r, g, b, err := parseHexColor(ann.Content.Color)
		if err != nil {
			return nil, convErr(m.Platform(), "color %q: %v", ann.Content.Color, err)
		}
		native["color"] = map[string]any{"r": r, "g": g, "b": b}
	}

	switch ann.Position.DocumentType() {
	case model.DocPDF:
		pdf, _ := ann.Position.PDF()
		positions := make([]any, 0, len(pdf.Rects))
		for _, rect := range pdf.Rects {
			if len(rect) < 4 {
				continue
			}
			positions = append(positions, map[string]any{
				"top_left":     map[string]any{"x": rect[0], "y": rect[1]},
				"bottom_right": map[string]any{"x": rect[2], "y": rect[3]},
				"page":         pdf.PageIndex + 1,
			})
		}
		if len(positions) == 0 {
			positions = append(positions, map[string]any{"page": pdf.PageIndex + 1})
		}
		native["positions"] = positions
	case model.DocText:
		text, _ := ann.Position.Text()
		native["text_offsets"] = map[string]any{"start": text.StartOffset, "end": text.EndOffset}
	case model.DocEPUB, model.DocHTML:
		// No native shape; the document type is lost on this platform.
		native["text_offsets"] = map[string]any{"start": 0, "end": 0}
	default:
		return nil, convErr(m.Platform(), "annotation %s has no position", ann.ID)
	}

	if ann.Metadata.Author.ID != "" {
		native["profile_id"] = ann.Metadata.Author.ID
	}
	if created := formatTime(ann.CreatedAt); created != "" {
		native["created"] = created
	}
	if modified := formatTime(ann.ModifiedAt); modified != "" {
		native["last_modified"] = modified
	}

	for key, value := range ann.Extensions {
		native[key] = value
	}

	return native, nil
}

func parseHexColor(value string) (r, g, b int, err error) {
	hexStr := strings.TrimPrefix(value, "#")
	if len(hexStr) != 6 {
		return 0, 0, 0, fmt.Errorf("expected #rrggbb")
	}
	parsed, err := strconv.ParseUint(hexStr, 16, 32)
	if err != nil {
		return 0, 0, 0, err
	}
	return int(parsed >> 16), int(parsed >> 8 & 0xff), int(parsed & 0xff), nil
}

// Visibility mapping: private stays private, group annotations are shared,
// public is public.
func mendeleyVisibility(privacy string) model.Visibility {
	switch privacy {
	case "group":
		return model.VisibilityShared
	case "public":
		return model.VisibilityPublic
	default:
		return model.VisibilityPrivate
	}
}

func mendeleyVisibilityBack(v model.Visibility) string {
	switch v {
	case model.VisibilityShared:
		return "group"
	case model.VisibilityPublic:
		return "public"
	default:
		return "private"
	}
}
