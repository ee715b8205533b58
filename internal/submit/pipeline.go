// Package submit builds and sends whole-record replace calls. A
// submission always carries every text field of the merged record,
// because the backend has no patch semantics; the merge step is what
// keeps sibling sections' data intact.
package submit

import (
	"context"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"mosaic/gateway/internal/record"
	"mosaic/gateway/internal/resource"
	"mosaic/gateway/internal/stage"
	"mosaic/gateway/internal/tenant"
	"mosaic/gateway/internal/upstream"
)

// Outcome error kinds, consumed once by the initiating editor.
const (
	KindValidation = "VALIDATION_ERROR"
	KindInProgress = "SUBMIT_IN_PROGRESS"
	KindNetwork    = "NETWORK_ERROR"
	KindAuth       = "AUTH_EXPIRED"
)

// Outcome is the result of one pipeline run. On any failure the draft
// is preserved by the caller so the user can retry without re-entering
// data; submissions are never retried automatically.
type Outcome struct {
	Success   bool
	ErrorKind string
	Message   string
}

// Replacer issues the whole-record replace call.
type Replacer interface {
	Replace(ctx context.Context, tctx tenant.Context, kind string, merged record.Composite, attachments []upstream.Attachment) error
}

// Locker serializes submissions across gateway replicas.
type Locker interface {
	AcquireSubmitLock(ctx context.Context, tenantID, kind string, ttl time.Duration) (bool, error)
	ReleaseSubmitLock(ctx context.Context, tenantID, kind string) error
}

// Pipeline merges, validates and submits section drafts.
type Pipeline struct {
	replacer Replacer
	locks    Locker
	stager   stage.Stager
	lockTTL  time.Duration
}

func New(replacer Replacer, locks Locker, stager stage.Stager, lockTTL time.Duration) *Pipeline {
	if lockTTL <= 0 {
		lockTTL = time.Minute
	}
	return &Pipeline{replacer: replacer, locks: locks, stager: stager, lockTTL: lockTTL}
}

// Submit runs one submission for a section draft. The remote side of
// the merge always comes from the store's last-known-good copy; the
// pipeline never refetches mid-submit.
func (p *Pipeline) Submit(ctx context.Context, tctx tenant.Context, kind record.Kind, store *resource.Store, draft record.Draft) Outcome {
	remote, _ := store.Loaded()
	merged := record.Merge(remote, draft.Fields, kind.Defaults)

	if missing := missingRequired(kind, merged); len(missing) > 0 {
		return Outcome{
			ErrorKind: KindValidation,
			Message:   "required fields are empty: " + strings.Join(missing, ", "),
		}
	}

	// At most one replace in flight per tenant and kind. A concurrent
	// attempt is rejected, not queued: two whole-record replaces racing
	// is the lost-update hazard the merge cannot protect against.
	if !store.BeginSubmit() {
		return Outcome{ErrorKind: KindInProgress, Message: "a submission is already in progress"}
	}
	defer store.EndSubmit()

	if p.locks != nil {
		held, err := p.locks.AcquireSubmitLock(ctx, tctx.TenantID, kind.Name, p.lockTTL)
		if err != nil {
			return Outcome{ErrorKind: KindNetwork, Message: fmt.Sprintf("submit lock unavailable: %v", err)}
		}
		if !held {
			return Outcome{ErrorKind: KindInProgress, Message: "a submission is already in progress"}
		}
		defer func() {
			_ = p.locks.ReleaseSubmitLock(ctx, tctx.TenantID, kind.Name)
		}()
	}

	attachments, closeAll, err := p.openAttachments(ctx, draft.Attachments)
	if err != nil {
		return Outcome{ErrorKind: KindValidation, Message: err.Error()}
	}
	defer closeAll()

	if err := p.replacer.Replace(ctx, tctx, kind.Name, merged, attachments); err != nil {
		if upstream.IsAuth(err) {
			return Outcome{ErrorKind: KindAuth, Message: "credential rejected"}
		}
		return Outcome{ErrorKind: KindNetwork, Message: err.Error()}
	}

	// Success: the staged binaries are consumed, and the store is
	// refreshed from the server. The record just sent is not trusted
	// as the new truth; the backend may normalize or drop fields.
	for _, att := range draft.Attachments {
		_ = p.stager.Remove(ctx, att.StageKey)
	}
	store.Refresh()

	return Outcome{Success: true}
}

func (p *Pipeline) openAttachments(ctx context.Context, pending []record.Attachment) ([]upstream.Attachment, func(), error) {
	readers := make([]io.ReadCloser, 0, len(pending))
	closeAll := func() {
		for _, r := range readers {
			_ = r.Close()
		}
	}

	attachments := make([]upstream.Attachment, 0, len(pending))
	for _, att := range pending {
		rc, err := p.stager.Get(ctx, att.StageKey)
		if err != nil {
			closeAll()
			return nil, func() {}, fmt.Errorf("staged attachment for %s is gone; upload it again", att.Field)
		}
		readers = append(readers, rc)
		attachments = append(attachments, upstream.Attachment{
			Field:       att.Field,
			Filename:    att.Filename,
			ContentType: att.ContentType,
			Reader:      rc,
		})
	}
	return attachments, closeAll, nil
}

// missingRequired lists required fields that are empty after HTML-tag
// stripping. Rich-text fields must have real content, not just empty
// markup like <p></p>.
func missingRequired(kind record.Kind, merged record.Composite) []string {
	var missing []string
	for _, field := range kind.RequiredFields {
		value := merged[field]
		if kind.FieldKindOf(field) == record.FieldRichText {
			value = StripTags(value)
		}
		if strings.TrimSpace(value) == "" {
			missing = append(missing, field)
		}
	}
	return missing
}

var (
	tagPattern    = regexp.MustCompile(`(?s)<[^>]*>`)
	entityPattern = regexp.MustCompile(`&(?:nbsp|#160);`)
)

// StripTags reduces HTML markup to its text content for emptiness
// checks. It is not a sanitizer.
func StripTags(value string) string {
	stripped := tagPattern.ReplaceAllString(value, "")
	return entityPattern.ReplaceAllString(stripped, " ")
}
