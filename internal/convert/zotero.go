package convert

import (
	"encoding/json"

	"github.com/google/uuid"

	"annosync/internal/model"
)

// Zotero converts reference-manager annotation items.
//
// Type mapping (partial, fallback note):
//
//	highlight → highlight    underline → underline    note → note
//	text → text              ink → ink                image → image
//
// Reverse mapping collapses strikeout onto highlight and shape onto note;
// the round trip is lossy by design.
//
// Position classification: annotationPosition with a pageIndex is pdf;
// with a fragment it is epub; with a selector it is html; anything else
// becomes plain text offsets.
type Zotero struct{}

// Platform implements Converter.
func (*Zotero) Platform() string { return "zotero" }

var zoteroTypes = map[string]model.AnnotationType{
	"highlight": model.TypeHighlight,
	"underline": model.TypeUnderline,
	"note":      model.TypeNote,
	"text":      model.TypeText,
	"ink":       model.TypeInk,
	"image":     model.TypeImage,
}

var zoteroTypesBack = map[model.AnnotationType]string{
	model.TypeHighlight: "highlight",
	model.TypeUnderline: "underline",
	model.TypeStrikeout: "highlight",
	model.TypeNote:      "note",
	model.TypeText:      "text",
	model.TypeInk:       "ink",
	model.TypeImage:     "image",
	model.TypeShape:     "note",
}

// ToUniversal implements Converter.
func (z *Zotero) ToUniversal(native map[string]any) (model.Annotation, error) {
	if native == nil {
		return model.Annotation{}, convErr(z.Platform(), "nil record")
	}

	id := getString(native, "key")
	if id == "" {
		id = uuid.NewString()
	}

	annType, ok := zoteroTypes[getString(native, "annotationType")]
	if !ok {
		annType = model.TypeNote
	}

	position, err := z.position(native)
	if err != nil {
		return model.Annotation{}, err
	}

	ann := model.Annotation{
		ID:         id,
		Type:       annType,
		DocumentID: getString(native, "parentItem"),
		Position:   position,
		Content: model.Content{
			Text:    getString(native, "annotationText"),
			Comment: getString(native, "annotationComment"),
			Color:   getString(native, "annotationColor"),
		},
		Metadata: model.Metadata{
			Platform:   z.Platform(),
			Version:    getString(native, "version"),
			Author:     zoteroAuthor(native),
			Tags:       zoteroTags(native),
			Visibility: zoteroVisibility(getString(native, "libraryType")),
		},
		CreatedAt:  parseTime(getString(native, "dateAdded")),
		ModifiedAt: parseTime(getString(native, "dateModified")),
	}

	// Platform-only fields ride along in extensions so fromUniversal can
	// restore them verbatim.
	ext := make(map[string]any)
	for _, key := range []string{"annotationSortIndex", "annotationPageLabel"} {
		if v, ok := native[key]; ok {
			ext[key] = v
		}
	}
	if len(ext) > 0 {
		ann.Extensions = ext
	}

	return ann, nil
}

// position parses annotationPosition, which Zotero serializes as a JSON
// string inside the item.
func (z *Zotero) position(native map[string]any) (model.Position, error) {
	var pos map[string]any
	switch v := native["annotationPosition"].(type) {
	case string:
		if err := json.Unmarshal([]byte(v), &pos); err != nil {
			return model.Position{}, convErr(z.Platform(), "malformed annotationPosition: %v", err)
		}
	case map[string]any:
		pos = v
	case nil:
		pos = map[string]any{}
	default:
		return model.Position{}, convErr(z.Platform(), "malformed annotationPosition: unexpected type %T", v)
	}

	if pageIndex, ok := getInt(pos, "pageIndex"); ok {
		rotation, _ := getInt(pos, "rotation")
		return model.NewPDFPosition(model.PDFPosition{
			PageIndex: pageIndex,
			Rects:     toFloatRows(getSlice(pos, "rects")),
			Paths:     toFloatRows(getSlice(pos, "paths")),
			Rotation:  rotation,
		}), nil
	}
	if fragment := getString(pos, "fragment"); fragment != "" {
		spine, _ := getInt(pos, "spineIndex")
		return model.NewEPUBPosition(model.EPUBPosition{CFI: fragment, SpineIndex: spine}), nil
	}
	if selector := getString(pos, "selector"); selector != "" {
		return model.NewHTMLPosition(model.HTMLPosition{
			Selector: selector,
			URL:      getString(pos, "url"),
			Title:    getString(pos, "title"),
		}), nil
	}

	start, _ := getInt(pos, "start")
	end, _ := getInt(pos, "end")
	return model.NewTextPosition(model.TextPosition{
		StartOffset: start,
		EndOffset:   end,
		Context:     getString(native, "annotationText"),
	}), nil
}

// FromUniversal implements Converter.
func (z *Zotero) FromUniversal(ann model.Annotation) (map[string]any, error) {
	native := map[string]any{
		"key":            ann.ID,
		"itemType":       "annotation",
		"annotationType": zoteroTypesBack[ann.Type],
		"parentItem":     ann.DocumentID,
	}
	if native["annotationType"] == nil || native["annotationType"] == "" {
		native["annotationType"] = "note"
	}

	if ann.Content.Text != "" {
		native["annotationText"] = ann.Content.Text
	}
	if ann.Content.Comment != "" {
		native["annotationComment"] = ann.Content.Comment
	}
	if ann.Content.Color != "" {
		native["annotationColor"] = ann.Content.Color
	}

	pos := map[string]any{}
	switch ann.Position.DocumentType() {
	case model.DocPDF:
		pdf, _ := ann.Position.PDF()
		pos["pageIndex"] = pdf.PageIndex
		if pdf.Rects != nil {
			pos["rects"] = floatRowsToAny(pdf.Rects)
		}
		if pdf.Paths != nil {
			pos["paths"] = floatRowsToAny(pdf.Paths)
		}
		if pdf.Rotation != 0 {
			pos["rotation"] = pdf.Rotation
		}
	case model.DocEPUB:
		epub, _ := ann.Position.EPUB()
		pos["fragment"] = epub.CFI
		if epub.SpineIndex != 0 {
			pos["spineIndex"] = epub.SpineIndex
		}
	case model.DocHTML:
		html, _ := ann.Position.HTML()
		pos["selector"] = html.Selector
		if html.URL != "" {
			pos["url"] = html.URL
		}
		if html.Title != "" {
			pos["title"] = html.Title
		}
	case model.DocText:
		text, _ := ann.Position.Text()
		pos["start"] = text.StartOffset
		pos["end"] = text.EndOffset
	default:
		return nil, convErr(z.Platform(), "annotation %s has no position", ann.ID)
	}
	encoded, err := json.Marshal(pos)
	if err != nil {
		return nil, convErr(z.Platform(), "encode position: %v", err)
	}
	native["annotationPosition"] = string(encoded)

	if len(ann.Metadata.Tags) > 0 {
		tags := make([]any, 0, len(ann.Metadata.Tags))
		for _, t := range ann.Metadata.Tags {
			tags = append(tags, map[string]any{"tag": t})
		}
		native["tags"] = tags
	}
	native["libraryType"] = zoteroVisibilityBack(ann.Metadata.Visibility)
	if ann.Metadata.Author.Name != "" {
		native["authorName"] = ann.Metadata.Author.Name
	}
	if created := formatTime(ann.CreatedAt); created != "" {
		native["dateAdded"] = created
	}
	if modified := formatTime(ann.ModifiedAt); modified != "" {
		native["dateModified"] = modified
	}

	for key, value := range ann.Extensions {
		native[key] = value
	}

	return native, nil
}

func zoteroAuthor(native map[string]any) model.Author {
	if user := getMap(native, "createdByUser"); user != nil {
		return model.Author{
			ID:       getString(user, "id"),
			Name:     getString(user, "username"),
			Platform: "zotero",
		}
	}
	return model.Author{Name: getString(native, "authorName"), Platform: "zotero"}
}

func zoteroTags(native map[string]any) []string {
	raw := getSlice(native, "tags")
	tags := make([]string, 0, len(raw))
	for _, entry := range raw {
		switch v := entry.(type) {
		case string:
			tags = append(tags, v)
		case map[string]any:
			if tag := getString(v, "tag"); tag != "" {
				tags = append(tags, tag)
			}
		}
	}
	if len(tags) == 0 {
		return nil
	}
	return tags
}

// Visibility mapping: user libraries are private, group libraries shared,
// the publications library public. Lossy both ways.
func zoteroVisibility(libraryType string) model.Visibility {
	switch libraryType {
	case "group":
		return model.VisibilityShared
	case "publications":
		return model.VisibilityPublic
	default:
		return model.VisibilityPrivate
	}
}

func zoteroVisibilityBack(v model.Visibility) string {
	switch v {
	case model.VisibilityShared:
		return "group"
	case model.VisibilityPublic:
		return "publications"
	default:
		return "user"
	}
}
