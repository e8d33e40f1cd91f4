package convert

import (
	"encoding/json"
	"errors"
	"testing"

	"annosync/internal/model"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	return DefaultManager(nil)
}

func TestSupportedPlatforms(t *testing.T) {
	m := newTestManager(t)
	got := m.SupportedPlatforms()
	want := []string{"hypothesis", "mendeley", "zotero"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestUnsupportedPlatformIsFatalForCall(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.ToUniversal(map[string]any{}, "evernote"); err == nil {
		t.Fatalf("expected error for unregistered platform")
	}
	var unsupported *UnsupportedPlatformError
	_, err := m.ConvertBatch(nil, "evernote")
	if !errors.As(err, &unsupported) {
		t.Fatalf("expected UnsupportedPlatformError, got %v", err)
	}
}

func zoteroHighlight() map[string]any {
	return map[string]any{
		"key":                 "ZKEY1234",
		"annotationType":      "highlight",
		"annotationText":      "the quoted passage",
		"annotationComment":   "important method detail",
		"annotationColor":     "#ffd400",
		"annotationPosition":  `{"pageIndex":2,"rects":[[100,200,150,210]]}`,
		"annotationSortIndex": "00002|001024|00120",
		"annotationPageLabel": "3",
		"parentItem":          "DOC1",
		"libraryType":         "group",
		"tags":                []any{map[string]any{"tag": "method"}},
		"dateAdded":           "2025-03-01T10:00:00Z",
		"dateModified":        "2025-03-02T11:30:00Z",
	}
}

func TestZoteroToUniversal(t *testing.T) {
	m := newTestManager(t)
	ann, err := m.ToUniversal(zoteroHighlight(), "zotero")
	if err != nil {
		t.Fatalf("ToUniversal: %v", err)
	}

	if ann.ID != "ZKEY1234" || ann.Type != model.TypeHighlight {
		t.Fatalf("unexpected identity: %+v", ann)
	}
	pdf, ok := ann.Position.PDF()
	if !ok {
		t.Fatalf("expected pdf position, got %s", ann.Position.DocumentType())
	}
	if pdf.PageIndex != 2 || len(pdf.Rects) != 1 {
		t.Fatalf("unexpected pdf payload: %+v", pdf)
	}
	if ann.Content.Text != "the quoted passage" || ann.Content.Color != "#ffd400" {
		t.Fatalf("content lost: %+v", ann.Content)
	}
	if ann.Metadata.Visibility != model.VisibilityShared {
		t.Fatalf("group library should map to shared, got %s", ann.Metadata.Visibility)
	}
	if len(ann.Metadata.Tags) != 1 || ann.Metadata.Tags[0] != "method" {
		t.Fatalf("tags lost: %+v", ann.Metadata.Tags)
	}
	if ann.Extensions["annotationSortIndex"] != "00002|001024|00120" {
		t.Fatalf("sort index not preserved in extensions: %+v", ann.Extensions)
	}
}

func TestZoteroUnknownTypeFallsBackToNote(t *testing.T) {
	m := newTestManager(t)
	native := zoteroHighlight()
	native["annotationType"] = "squiggle"
	ann, err := m.ToUniversal(native, "zotero")
	if err != nil {
		t.Fatalf("ToUniversal: %v", err)
	}
	if ann.Type != model.TypeNote {
		t.Fatalf("expected fallback note, got %s", ann.Type)
	}
}

// Round-trip preserves text, comment, color, an equivalent position and
// extensions verbatim; the mapping is otherwise allowed to be lossy.
func TestZoteroRoundTrip(t *testing.T) {
	m := newTestManager(t)
	original := zoteroHighlight()

	ann, err := m.ToUniversal(original, "zotero")
	if err != nil {
		t.Fatalf("ToUniversal: %v", err)
	}
	native, err := m.FromUniversal(ann, "zotero")
	if err != nil {
		t.Fatalf("FromUniversal: %v", err)
	}

	for _, key := range []string{"annotationText", "annotationComment", "annotationColor", "annotationSortIndex", "annotationPageLabel"} {
		if native[key] != original[key] {
			t.Fatalf("%s changed: %v != %v", key, native[key], original[key])
		}
	}
	var pos map[string]any
	if err := json.Unmarshal([]byte(native["annotationPosition"].(string)), &pos); err != nil {
		t.Fatalf("decode position: %v", err)
	}
	if pos["pageIndex"].(float64) != 2 {
		t.Fatalf("page index changed: %v", pos["pageIndex"])
	}
	if native["libraryType"] != "group" {
		t.Fatalf("visibility mapping not restored: %v", native["libraryType"])
	}
}

func mendeleyHighlight() map[string]any {
	return map[string]any{
		"id":          "m-1",
		"type":        "highlight",
		"text":        "quoted text",
		"note":        "a comment",
		"color":       map[string]any{"r": float64(255), "g": float64(212), "b": float64(0)},
		"document_id": "doc-9",
		"profile_id":  "profile-7",
		"privacy_level": "group",
		"positions": []any{map[string]any{
			"top_left":     map[string]any{"x": float64(50), "y": float64(60)},
			"bottom_right": map[string]any{"x": float64(120), "y": float64(72)},
			"page":         float64(3),
		}},
		"created":       "2025-02-10T08:00:00Z",
		"last_modified": "2025-02-11T08:00:00Z",
		"filehash":      "abc123",
	}
}

func TestMendeleyRoundTrip(t *testing.T) {
	m := newTestManager(t)
	original := mendeleyHighlight()

	ann, err := m.ToUniversal(original, "mendeley")
	if err != nil {
		t.Fatalf("ToUniversal: %v", err)
	}
	if ann.Content.Color != "#ffd400" {
		t.Fatalf("rgb not mapped to hex: %s", ann.Content.Color)
	}
	pdf, ok := ann.Position.PDF()
	if !ok || pdf.PageIndex != 2 {
		t.Fatalf("expected zero-based page 2, got %+v", pdf)
	}

	native, err := m.FromUniversal(ann, "mendeley")
	if err != nil {
		t.Fatalf("FromUniversal: %v", err)
	}
	if native["text"] != "quoted text" || native["note"] != "a comment" {
		t.Fatalf("content changed: %+v", native)
	}
	color := native["color"].(map[string]any)
	if color["r"].(int) != 255 || color["g"].(int) != 212 || color["b"].(int) != 0 {
		t.Fatalf("color changed: %+v", color)
	}
	positions := native["positions"].([]any)
	first := positions[0].(map[string]any)
	if first["page"].(int) != 3 {
		t.Fatalf("page changed: %v", first["page"])
	}
	if native["privacy_level"] != "group" || native["filehash"] != "abc123" {
		t.Fatalf("platform fields changed: %+v", native)
	}
}

func hypothesisNote() map[string]any {
	return map[string]any{
		"id":   "h-1",
		"uri":  "https://example.com/article",
		"text": "see the counterexample",
		"user": "acct:dana@hypothes.is",
		"tags": []any{"review"},
		"document": map[string]any{"title": []any{"Example Article"}},
		"target": []any{map[string]any{
			"source": "https://example.com/article",
			"selector": []any{
				map[string]any{"type": "CssSelector", "value": "#content > p:nth-child(4)"},
				map[string]any{"type": "TextQuoteSelector", "exact": "the disputed claim"},
			},
		}},
		"permissions": map[string]any{"read": []any{"group:__world__"}},
		"created":     "2025-01-05T12:00:00Z",
		"updated":     "2025-01-06T12:00:00Z",
		"group":       "biology-lab",
	}
}

func TestHypothesisToUniversal(t *testing.T) {
	m := newTestManager(t)
	ann, err := m.ToUniversal(hypothesisNote(), "hypothesis")
	if err != nil {
		t.Fatalf("ToUniversal: %v", err)
	}

	if ann.Type != model.TypeNote {
		t.Fatalf("record with body text should be a note, got %s", ann.Type)
	}
	html, ok := ann.Position.HTML()
	if !ok {
		t.Fatalf("expected html position, got %s", ann.Position.DocumentType())
	}
	if html.Selector != "#content > p:nth-child(4)" || html.URL != "https://example.com/article" {
		t.Fatalf("unexpected html payload: %+v", html)
	}
	if ann.Content.Text != "the disputed claim" || ann.Content.Comment != "see the counterexample" {
		t.Fatalf("content lost: %+v", ann.Content)
	}
	if ann.Metadata.Visibility != model.VisibilityPublic {
		t.Fatalf("world-readable should be public, got %s", ann.Metadata.Visibility)
	}
	if ann.Metadata.Author.Name != "dana" {
		t.Fatalf("author not parsed from acct: %+v", ann.Metadata.Author)
	}
}

func TestHypothesisRoundTrip(t *testing.T) {
	m := newTestManager(t)
	ann, err := m.ToUniversal(hypothesisNote(), "hypothesis")
	if err != nil {
		t.Fatalf("ToUniversal: %v", err)
	}
	native, err := m.FromUniversal(ann, "hypothesis")
	if err != nil {
		t.Fatalf("FromUniversal: %v", err)
	}

	if native["text"] != "see the counterexample" {
		t.Fatalf("comment changed: %v", native["text"])
	}
	if native["uri"] != "https://example.com/article" {
		t.Fatalf("uri changed: %v", native["uri"])
	}
	if native["group"] != "biology-lab" {
		t.Fatalf("extension field not restored: %v", native["group"])
	}
	perms := native["permissions"].(map[string]any)
	readers := perms["read"].([]any)
	if len(readers) != 1 || readers[0] != "group:__world__" {
		t.Fatalf("visibility not restored: %+v", readers)
	}
}

func TestHypothesisEpubClassification(t *testing.T) {
	m := newTestManager(t)
	native := hypothesisNote()
	native["target"] = []any{map[string]any{
		"selector": []any{
			map[string]any{"type": "EpubCfiSelector", "value": "epubcfi(/6/14!/4/2/14)"},
			map[string]any{"type": "TextQuoteSelector", "exact": "a line"},
		},
	}}
	ann, err := m.ToUniversal(native, "hypothesis")
	if err != nil {
		t.Fatalf("ToUniversal: %v", err)
	}
	epub, ok := ann.Position.EPUB()
	if !ok {
		t.Fatalf("cfi selector must win classification, got %s", ann.Position.DocumentType())
	}
	if epub.CFI != "epubcfi(/6/14!/4/2/14)" {
		t.Fatalf("cfi lost: %+v", epub)
	}
}

func TestConvertBatchSkipsMalformedRecords(t *testing.T) {
	m := newTestManager(t)
	records := []map[string]any{
		zoteroHighlight(),
		zoteroHighlight(),
		{"key": "BAD1", "annotationType": "highlight", "annotationPosition": `{"pageIndex":`},
		zoteroHighlight(),
		zoteroHighlight(),
	}

	converted, err := m.ConvertBatch(records, "zotero")
	if err != nil {
		t.Fatalf("ConvertBatch must not fail for per-record errors: %v", err)
	}
	if len(converted) != 4 {
		t.Fatalf("expected 4 converted records, got %d", len(converted))
	}
}

func TestConvertBatchTo(t *testing.T) {
	m := newTestManager(t)
	records := []map[string]any{zoteroHighlight(), {"key": "BAD", "annotationPosition": 42}}

	natives, err := m.ConvertBatchTo(records, "zotero", "mendeley")
	if err != nil {
		t.Fatalf("ConvertBatchTo: %v", err)
	}
	if len(natives) != 1 {
		t.Fatalf("expected 1 converted record, got %d", len(natives))
	}
	if natives[0]["type"] != "highlight" {
		t.Fatalf("type not mapped across platforms: %+v", natives[0])
	}
	if natives[0]["privacy_level"] != "group" {
		t.Fatalf("visibility not mapped across platforms: %+v", natives[0])
	}
}

func TestRegistryRegisterReplaces(t *testing.T) {
	r := NewRegistry(&Zotero{})
	if _, err := r.Get("zotero"); err != nil {
		t.Fatalf("expected zotero registered: %v", err)
	}
	if _, err := r.Get("mendeley"); err == nil {
		t.Fatalf("expected error for unregistered platform")
	}
	r.Register(&Mendeley{})
	if _, err := r.Get("mendeley"); err != nil {
		t.Fatalf("expected mendeley after Register: %v", err)
	}
}
