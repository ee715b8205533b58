// Package upstream is the HTTP client for the whole-record backend.
// The backend exposes exactly two operations per resource kind: read
// the whole record and replace the whole record. There are no partial
// updates and no concurrency tokens; everything above this package
// exists to compensate for that.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"sort"
	"strings"
	"time"

	"mosaic/gateway/internal/record"
	"mosaic/gateway/internal/tenant"
)

// DefaultTimeout bounds a single upstream call so a hung connection
// cannot stall the retry logic indefinitely.
const DefaultTimeout = 30 * time.Second

// Recognized credential error codes from the upstream error body.
const (
	CodeCredentialMissing = "CREDENTIAL_MISSING"
	CodeCredentialExpired = "CREDENTIAL_EXPIRED"
)

// AuthError is a 401/403-class response. It is never retried; callers
// hand it to the session guard.
type AuthError struct {
	Status  int
	Code    string
	Message string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("upstream auth rejected (%d %s): %s", e.Status, e.Code, e.Message)
}

// StatusError is any other non-2xx response.
type StatusError struct {
	Status  int
	Code    string
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream error (%d %s): %s", e.Status, e.Code, e.Message)
}

// IsAuth reports whether err represents a credential rejection.
func IsAuth(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// Attachment is one binary part of a whole-record replace, streamed
// from the staging store.
type Attachment struct {
	Field       string
	Filename    string
	ContentType string
	Reader      io.Reader
}

// Client talks to the whole-record backend.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a client with the default request timeout.
func New(baseURL string) *Client {
	return NewWithTimeout(baseURL, DefaultTimeout)
}

func NewWithTimeout(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *Client) recordURL(tenantID, kind string) string {
	return c.baseURL + "/tenants/" + url.PathEscape(tenantID) + "/" + url.PathEscape(kind)
}

// Fetch reads the whole composite record for a tenant. An empty body
// or a 404 means the record has not been created yet and yields an
// empty record, not an error.
func (c *Client) Fetch(ctx context.Context, tctx tenant.Context, kind string) (record.Composite, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.recordURL(tctx.TenantID, kind), nil)
	if err != nil {
		return nil, fmt.Errorf("build fetch request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+tctx.Credential)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch record: %w", err)
	}
	defer resp.Body.Close()

	return decodeRecordResponse(resp)
}

// PublicFetch reads a record through the credential-less public
// namespace consumed by the template renderer.
func (c *Client) PublicFetch(ctx context.Context, tenantID, kind string) (record.Composite, error) {
	endpoint := c.baseURL + "/public/tenants/" + url.PathEscape(tenantID) + "/" + url.PathEscape(kind)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build public fetch request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch public record: %w", err)
	}
	defer resp.Body.Close()

	return decodeRecordResponse(resp)
}

// Replace sends the full merged record as one multipart body. Every
// text field is always included, even fields untouched by this edit,
// because the backend replaces the record wholesale.
func (c *Client) Replace(ctx context.Context, tctx tenant.Context, kind string, merged record.Composite, attachments []Attachment) error {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	names := make([]string, 0, len(merged))
	for name := range merged {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := writer.WriteField(name, merged[name]); err != nil {
			return fmt.Errorf("write field %s: %w", name, err)
		}
	}

	for _, att := range attachments {
		header := make(textproto.MIMEHeader)
		header.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, att.Field, att.Filename))
		header.Set("Content-Type", att.ContentType)
		part, err := writer.CreatePart(header)
		if err != nil {
			return fmt.Errorf("create part %s: %w", att.Field, err)
		}
		if _, err := io.Copy(part, att.Reader); err != nil {
			return fmt.Errorf("copy attachment %s: %w", att.Field, err)
		}
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("close multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.recordURL(tctx.TenantID, kind), &body)
	if err != nil {
		return fmt.Errorf("build replace request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+tctx.Credential)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("replace record: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return classifyFailure(resp)
}

func decodeRecordResponse(resp *http.Response) (record.Composite, error) {
	if resp.StatusCode == http.StatusNotFound {
		return record.Composite{}, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, classifyFailure(resp)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read record body: %w", err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		// The backend signals "not yet created" as an empty body.
		return record.Composite{}, nil
	}

	var rec record.Composite
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode record body: %w", err)
	}
	if rec == nil {
		rec = record.Composite{}
	}
	return rec, nil
}

// classifyFailure turns a non-2xx response into an AuthError for
// 401/403 and a StatusError otherwise, parsing the {error, message}
// body when one is present.
func classifyFailure(resp *http.Response) error {
	code, message := parseErrorBody(resp.Body)
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return &AuthError{Status: resp.StatusCode, Code: code, Message: message}
	}
	return &StatusError{Status: resp.StatusCode, Code: code, Message: message}
}

func parseErrorBody(r io.Reader) (code, message string) {
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(io.LimitReader(r, 1<<16)).Decode(&body); err != nil {
		return "", ""
	}
	return body.Error, body.Message
}
