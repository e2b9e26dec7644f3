package jsonpath

import (
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Root sentinels. A path equal to any of these addresses the whole document
// instead of a sub-path; callers must check IsRoot before path operations.
const (
	RootEmpty = ""
	RootAlias = "root"
	RootBody  = "body"
)

// IsRoot reports whether path denotes the whole document.
func IsRoot(path string) bool {
	switch path {
	case RootEmpty, RootAlias, RootBody:
		return true
	}
	return false
}

// Valid reports whether doc is well-formed JSON.
func Valid(doc []byte) bool {
	return gjson.ValidBytes(doc)
}

// Get resolves a dotted path against doc. The boolean is false when any
// intermediate segment is missing or not a mapping; a JSON null at the path
// still counts as present. With a root sentinel the whole document is
// returned.
func Get(doc []byte, path string) (gjson.Result, bool) {
	if IsRoot(path) {
		return gjson.ParseBytes(doc), true
	}
	result := gjson.GetBytes(doc, escape(path))
	return result, result.Exists()
}

// SetRaw writes raw (a JSON-encoded value) at the dotted path, returning the
// new document. With a root sentinel the document is replaced wholesale.
// Intermediate segments are expected to resolve already, e.g. after a prior
// successful Get.
func SetRaw(doc []byte, path string, raw []byte) ([]byte, error) {
	if IsRoot(path) {
		out := make([]byte, len(raw))
		copy(out, raw)
		return out, nil
	}
	return sjson.SetRawBytes(doc, escape(path), raw)
}

// Delete removes the value at the dotted path, returning the new document.
// Deleting a root sentinel clears the document to an empty object. Deleting
// an absent path is a no-op.
func Delete(doc []byte, path string) ([]byte, error) {
	if IsRoot(path) {
		return []byte("{}"), nil
	}
	return sjson.DeleteBytes(doc, escape(path))
}

// escape neutralizes gjson/sjson path syntax so configured dotted paths are
// taken literally: segments are split on "." only, with wildcard and modifier
// characters escaped inside each segment.
func escape(path string) string {
	if !strings.ContainsAny(path, `*?\|#@`) {
		return path
	}
	segments := strings.Split(path, ".")
	for i, seg := range segments {
		seg = strings.ReplaceAll(seg, `\`, `\\`)
		seg = strings.ReplaceAll(seg, `*`, `\*`)
		seg = strings.ReplaceAll(seg, `?`, `\?`)
		seg = strings.ReplaceAll(seg, `|`, `\|`)
		seg = strings.ReplaceAll(seg, `#`, `\#`)
		seg = strings.ReplaceAll(seg, `@`, `\@`)
		segments[i] = seg
	}
	return strings.Join(segments, ".")
}
