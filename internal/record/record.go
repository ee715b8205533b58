// Package record models the tenant-scoped composite record: one
// backend-addressable document aggregating many independent content
// sections, each edited by its own section editor.
package record

import (
	"strings"

	"mosaic/gateway/internal/upload"
)

// FieldKind describes how a field's string value is interpreted.
// The wire form is flat (field name to string); kinds live in the
// resource-kind registry, not on the wire.
type FieldKind string

const (
	FieldText      FieldKind = "text"
	FieldRichText  FieldKind = "richText"
	FieldURL       FieldKind = "url"
	FieldBinaryRef FieldKind = "binaryRef"
)

// Composite is the whole server-side record for one tenant and one
// resource kind. Fields not touched by an edit must round-trip
// byte-identical through fetch, merge, submit and fetch again.
type Composite map[string]string

// Clone returns an independent copy so callers can hand out snapshots
// without exposing the store's map.
func (c Composite) Clone() Composite {
	if c == nil {
		return Composite{}
	}
	out := make(Composite, len(c))
	for name, value := range c {
		out[name] = value
	}
	return out
}

// Attachment is a pending binary upload tied to one field of a draft.
// The bytes themselves live in the staging store under StageKey until
// the draft is submitted or discarded.
type Attachment struct {
	Field       string
	Filename    string
	ContentType string
	Size        int64
	StageKey    string
}

// Draft is the subset of fields a single section editor intends to
// change, plus its pending attachments. Created when an editor opens,
// discarded on cancel or after a successful submit.
type Draft struct {
	Fields      map[string]string
	Attachments []Attachment
}

// Kind is the per-resource parameterization of the protocol: which
// fields exist, which are required, first-time-creation defaults and
// per-field upload limits. Every section editor is a thin consumer of
// one Kind.
type Kind struct {
	Name           string
	FieldKinds     map[string]FieldKind
	RequiredFields []string
	Defaults       map[string]string
	Limits         map[string]upload.Limit
	MaxRetries     int
}

// LimitFor returns the upload rule for a field, falling back to the
// standard 4 MiB image rule when the kind does not configure one.
func (k Kind) LimitFor(field string) upload.Limit {
	if limit, ok := k.Limits[field]; ok {
		return limit
	}
	return upload.ImageLimit(4 * upload.MiB)
}

// FieldKindOf returns the declared kind of a field, defaulting to
// plain text for fields the registry does not know about.
func (k Kind) FieldKindOf(field string) FieldKind {
	if fk, ok := k.FieldKinds[field]; ok {
		return fk
	}
	return FieldText
}

// blank reports whether a value counts as absent for merge purposes.
func blank(value string) bool {
	return strings.TrimSpace(value) == ""
}
