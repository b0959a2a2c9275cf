// Package kb implements the per-profile knowledge base core: dataset
// registry, content-addressed storage, projection state machine,
// search fan-out and the debounced chat projection scheduler. The
// collaborators are wired explicitly through the KnowledgeBase facade;
// no component holds a back-pointer to the facade.
package kb

import (
	"strings"
	"unicode"
)

// Document kinds stored in metadata.
const (
	KindDocument = "document"
	KindMessage  = "message"
	KindNote     = "note"
	KindSummary  = "summary"
	KindUnknown  = "unknown"
)

// Metadata keys stamped by the storage service.
const (
	MetaDataset = "dataset"
	MetaKind    = "kind"
	MetaRole    = "role"
	MetaSource  = "source"
	MetaDigest  = "digest_sha"
	MetaBytes   = "bytes"
	MetaPreview = "preview"

	// MetaPath appears on hash records migrated from older deployments:
	// the absolute blob path of that filesystem. Never written anew.
	MetaPath = "path"
)

// Snippet is one retrieval result handed to the coach agent.
type Snippet struct {
	Text    string `json:"text"`
	Dataset string `json:"dataset"`
	Kind    string `json:"kind"` // document | note | unknown
}

// snippetKind maps a stored document kind onto the retrieval surface:
// chat messages become notes, anything unrecognized is unknown.
func snippetKind(kind string) string {
	switch kind {
	case KindDocument, KindSummary:
		return KindDocument
	case KindMessage, KindNote:
		return KindNote
	default:
		return KindUnknown
	}
}

// NormalizeText canonicalizes a document before digesting: CRLF to LF,
// trailing whitespace per line stripped, outer whitespace trimmed.
// Deduplication depends on this being stable.
func NormalizeText(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRightFunc(line, unicode.IsSpace)
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// previewOf returns the first previewLen runes of a normalized text.
const previewLen = 160

func previewOf(text string) string {
	runes := []rune(text)
	if len(runes) <= previewLen {
		return text
	}
	return string(runes[:previewLen])
}

// metaString reads a string field out of duck-typed row metadata.
func metaString(meta map[string]interface{}, key string) string {
	if meta == nil {
		return ""
	}
	if v, ok := meta[key].(string); ok {
		return v
	}
	return ""
}
