package convert

import (
	"strings"

	"github.com/google/uuid"

	"annosync/internal/model"
)

// Hypothesis converts web-annotation-service records (W3C annotation
// shape: uri + target selectors).
//
// Type mapping: the native shape has no type field; a record with a body
// text is a note, one without is a highlight. Everything else falls back
// to note on the way in, and every universal type flattens to one of those
// two on the way out.
//
// Position classification, in priority order: an EpubCfiSelector is epub;
// a CssSelector, RangeSelector or TextQuoteSelector is html; a bare
// TextPositionSelector is plain text offsets; a record with a uri but no
// usable selector is html with an empty selector.
type Hypothesis struct{}

// Platform implements Converter.
func (*Hypothesis) Platform() string { return "hypothesis" }

// ToUniversal implements Converter.
func (h *Hypothesis) ToUniversal(native map[string]any) (model.Annotation, error) {
	if native == nil {
		return model.Annotation{}, convErr(h.Platform(), "nil record")
	}

	id := getString(native, "id")
	if id == "" {
		id = uuid.NewString()
	}

	selectors, err := h.selectors(native)
	if err != nil {
		return model.Annotation{}, err
	}
	position, quote := h.position(native, selectors)

	comment := getString(native, "text")
	annType := model.TypeHighlight
	if comment != "" {
		annType = model.TypeNote
	}

	ann := model.Annotation{
		ID:         id,
		Type:       annType,
		DocumentID: getString(native, "uri"),
		Position:   position,
		Content: model.Content{
			Text:    quote,
			Comment: comment,
		},
		Metadata: model.Metadata{
			Platform:   h.Platform(),
			Author:     hypothesisAuthor(getString(native, "user")),
			Tags:       hypothesisTags(native),
			Visibility: hypothesisVisibility(native),
		},
		CreatedAt:  parseTime(getString(native, "created")),
		ModifiedAt: parseTime(getString(native, "updated")),
	}

	ext := make(map[string]any)
	for _, key := range []string{"group", "links", "flagged"} {
		if v, ok := native[key]; ok {
			ext[key] = v
		}
	}
	if len(ext) > 0 {
		ann.Extensions = ext
	}

	return ann, nil
}

// selectors flattens target[0].selector into a list of selector objects.
func (h *Hypothesis) selectors(native map[string]any) ([]map[string]any, error) {
	targets := getSlice(native, "target")
	if len(targets) == 0 {
		return nil, nil
	}
	first, ok := targets[0].(map[string]any)
	if !ok {
		return nil, convErr(h.Platform(), "malformed target array")
	}
	raw := getSlice(first, "selector")
	selectors := make([]map[string]any, 0, len(raw))
	for _, entry := range raw {
		sel, ok := entry.(map[string]any)
		if !ok {
			return nil, convErr(h.Platform(), "malformed selector entry")
		}
		selectors = append(selectors, sel)
	}
	return selectors, nil
}

func (h *Hypothesis) position(native map[string]any, selectors []map[string]any) (model.Position, string) {
	var (
		cfi       string
		css       string
		quote     string
		rangeSel  bool
		start     int
		end       int
		sawOffset bool
	)
	for _, sel := range selectors {
		switch getString(sel, "type") {
		case "EpubCfiSelector":
			cfi = getString(sel, "value")
		case "CssSelector":
			css = getString(sel, "value")
		case "TextQuoteSelector":
			quote = getString(sel, "exact")
		case "RangeSelector":
			rangeSel = true
		case "TextPositionSelector":
			start, _ = getInt(sel, "start")
			end, _ = getInt(sel, "end")
			sawOffset = true
		}
	}

	uri := getString(native, "uri")
	title := ""
	if doc := getMap(native, "document"); doc != nil {
		if titles := getSlice(doc, "title"); len(titles) > 0 {
			title, _ = titles[0].(string)
		} else {
			title = getString(doc, "title")
		}
	}

	switch {
	case cfi != "":
		return model.NewEPUBPosition(model.EPUBPosition{CFI: cfi}), quote
	case css != "" || quote != "" || rangeSel:
		selector := css
		if selector == "" {
			selector = quote
		}
		return model.NewHTMLPosition(model.HTMLPosition{Selector: selector, URL: uri, Title: title}), quote
	case sawOffset:
		return model.NewTextPosition(model.TextPosition{StartOffset: start, EndOffset: end, Context: quote}), quote
	default:
		return model.NewHTMLPosition(model.HTMLPosition{URL: uri, Title: title}), quote
	}
}

// FromUniversal implements Converter.
func (h *Hypothesis) FromUniversal(ann model.Annotation) (map[string]any, error) {
	native := map[string]any{
		"id":  ann.ID,
		"uri": ann.DocumentID,
	}
	if ann.Content.Comment != "" {
		native["text"] = ann.Content.Comment
	}

	var selectors []any
	switch ann.Position.DocumentType() {
	case model.DocEPUB:
		epub, _ := ann.Position.EPUB()
		selectors = append(selectors, map[string]any{"type": "EpubCfiSelector", "value": epub.CFI})
	case model.DocHTML:
		html, _ := ann.Position.HTML()
		if html.Selector != "" {
			selectors = append(selectors, map[string]any{"type": "CssSelector", "value": html.Selector})
		}
		if html.URL != "" {
			native["uri"] = html.URL
		}
		if html.Title != "" {
			native["document"] = map[string]any{"title": []any{html.Title}}
		}
	case model.DocText:
		text, _ := ann.Position.Text()
		selectors = append(selectors, map[string]any{
			"type":  "TextPositionSelector",
			"start": text.StartOffset,
			"end":   text.EndOffset,
		})
	case model.DocPDF:
		// No page-box selector in the native vocabulary; the quote keeps
		// the annotation anchorable.
	default:
		return nil, convErr(h.Platform(), "annotation %s has no position", ann.ID)
	}
	if ann.Content.Text != "" {
		selectors = append(selectors, map[string]any{"type": "TextQuoteSelector", "exact": ann.Content.Text})
	}
	if len(selectors) > 0 {
		native["target"] = []any{map[string]any{
			"source":   native["uri"],
			"selector": selectors,
		}}
	}

	if len(ann.Metadata.Tags) > 0 {
		tags := make([]any, 0, len(ann.Metadata.Tags))
		for _, t := range ann.Metadata.Tags {
			tags = append(tags, t)
		}
		native["tags"] = tags
	}

	user := ann.Metadata.Author.ID
	if user != "" && !strings.HasPrefix(user, "acct:") {
		user = "acct:" + user
	}
	if user != "" {
		native["user"] = user
	}

	group := "__world__"
	if ann.Extensions != nil {
		if g, ok := ann.Extensions["group"].(string); ok && g != "" {
			group = g
		}
	}
	switch ann.Metadata.Visibility {
	case model.VisibilityPublic:
		native["permissions"] = map[string]any{"read": []any{"group:__world__"}}
	case model.VisibilityShared:
		native["permissions"] = map[string]any{"read": []any{"group:" + group}}
	default:
		reader := user
		if reader == "" {
			reader = "acct:" + ann.Metadata.Author.Name
		}
		native["permissions"] = map[string]any{"read": []any{reader}}
	}

	if created := formatTime(ann.CreatedAt); created != "" {
		native["created"] = created
	}
	if modified := formatTime(ann.ModifiedAt); modified != "" {
		native["updated"] = modified
	}

	for key, value := range ann.Extensions {
		if key == "group" || key == "links" || key == "flagged" {
			native[key] = value
		}
	}

	return native, nil
}

func hypothesisAuthor(user string) model.Author {
	name := strings.TrimPrefix(user, "acct:")
	if i := strings.Index(name, "@"); i > 0 {
		name = name[:i]
	}
	return model.Author{ID: user, Name: name, Platform: "hypothesis"}
}

func hypothesisTags(native map[string]any) []string {
	raw := getSlice(native, "tags")
	tags := make([]string, 0, len(raw))
	for _, entry := range raw {
		if tag, ok := entry.(string); ok {
			tags = append(tags, tag)
		}
	}
	if len(tags) == 0 {
		return nil
	}
	return tags
}

// Visibility mapping: world-readable is public, a named group is shared,
// author-only is private.
func hypothesisVisibility(native map[string]any) model.Visibility {
	perms := getMap(native, "permissions")
	if perms == nil {
		return model.VisibilityPrivate
	}
	for _, entry := range getSlice(perms, "read") {
		principal, ok := entry.(string)
		if !ok {
			continue
		}
		if principal == "group:__world__" {
			return model.VisibilityPublic
		}
		if strings.HasPrefix(principal, "group:") {
			return model.VisibilityShared
		}
	}
	return model.VisibilityPrivate
}
