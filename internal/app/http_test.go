package app

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"mosaic/gateway/internal/config"
	"mosaic/gateway/internal/session"
	"mosaic/gateway/internal/stage"
	"mosaic/gateway/internal/upstream"
)

const goodCredential = "good-token"

// fakeBackend is an in-memory stand-in for the whole-record backend:
// bearer-authenticated GET and multipart PUT per tenant and kind, plus
// the public read namespace.
type fakeBackend struct {
	mu        sync.Mutex
	records   map[string]map[string]string // tenantID/kind -> record
	files     map[string][]string          // tenantID/kind -> file fields received
	rejectAll bool                         // force 401 on every call
	failGets  bool                         // force 500 on GET
	puts      int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		records: make(map[string]map[string]string),
		files:   make(map[string][]string),
	}
}

func (f *fakeBackend) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")

		if len(parts) == 4 && parts[0] == "public" && parts[1] == "tenants" {
			f.mu.Lock()
			rec := f.records[parts[2]+"/"+parts[3]]
			f.mu.Unlock()
			_ = json.NewEncoder(w).Encode(rec)
			return
		}

		if len(parts) != 3 || parts[0] != "tenants" {
			http.NotFound(w, r)
			return
		}
		key := parts[1] + "/" + parts[2]

		f.mu.Lock()
		reject := f.rejectAll
		failGets := f.failGets
		f.mu.Unlock()

		if reject || r.Header.Get("Authorization") != "Bearer "+goodCredential {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"CREDENTIAL_EXPIRED","message":"token expired"}`))
			return
		}

		switch r.Method {
		case http.MethodGet:
			if failGets {
				http.Error(w, "boom", http.StatusInternalServerError)
				return
			}
			f.mu.Lock()
			rec, ok := f.records[key]
			f.mu.Unlock()
			if !ok {
				// Not yet created: empty body.
				w.WriteHeader(http.StatusOK)
				return
			}
			_ = json.NewEncoder(w).Encode(rec)
		case http.MethodPut:
			if err := r.ParseMultipartForm(64 << 20); err != nil {
				http.Error(w, "bad multipart", http.StatusBadRequest)
				return
			}
			rec := make(map[string]string)
			for field, values := range r.MultipartForm.Value {
				if len(values) > 0 {
					rec[field] = values[0]
				}
			}
			f.mu.Lock()
			for field := range r.MultipartForm.File {
				f.files[key] = append(f.files[key], field)
				// The backend stores the binary and exposes a ref.
				rec[field] = "uploads/" + field
			}
			f.records[key] = rec
			f.puts++
			f.mu.Unlock()
			w.WriteHeader(http.StatusOK)
		default:
			http.NotFound(w, r)
		}
	})
}

func (f *fakeBackend) record(tenantID, kind string) map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]string)
	for k, v := range f.records[tenantID+"/"+kind] {
		out[k] = v
	}
	return out
}

func (f *fakeBackend) setRecord(tenantID, kind string, rec map[string]string) {
	f.mu.Lock()
	f.records[tenantID+"/"+kind] = rec
	f.mu.Unlock()
}

func (f *fakeBackend) setRejectAll(v bool) {
	f.mu.Lock()
	f.rejectAll = v
	f.mu.Unlock()
}

func (f *fakeBackend) setFailGets(v bool) {
	f.mu.Lock()
	f.failGets = v
	f.mu.Unlock()
}

type testEnv struct {
	gateway *httptest.Server
	backend *fakeBackend
	service *Service
}

func setupEnv(t *testing.T) *testEnv {
	t.Helper()

	backend := newFakeBackend()
	backendServer := httptest.NewServer(backend.handler())
	t.Cleanup(backendServer.Close)

	redis := miniredis.RunT(t)
	sessions, err := session.NewRedisStore("redis://" + redis.Addr())
	if err != nil {
		t.Fatalf("redis store: %v", err)
	}
	t.Cleanup(func() { sessions.Close() })

	cfg := config.Config{
		SessionSecret:    "test-secret",
		SessionTTL:       time.Hour,
		UpstreamTimeout:  5 * time.Second,
		LoadRetryMax:     3,
		LoadRetryDelay:   5 * time.Millisecond,
		SubmitLockTTL:    time.Minute,
		OperatorLoginURL: "/login",
		AdminLoginURL:    "/superadmin/login",
	}

	service := New(cfg, sessions, upstream.NewWithTimeout(backendServer.URL, cfg.UpstreamTimeout), stage.NewMemoryStager())
	t.Cleanup(service.Close)

	gateway := httptest.NewServer(NewHTTPServer(service, "*").Handler())
	t.Cleanup(gateway.Close)

	return &testEnv{gateway: gateway, backend: backend, service: service}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body io.Reader, contentType string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, e.gateway.URL+path, body)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var payload map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&payload)
	return resp, payload
}

func (e *testEnv) login(t *testing.T, credential string) string {
	t.Helper()
	body := bytes.NewBufferString(fmt.Sprintf(`{"tenantId":"acme","credential":%q}`, credential))
	resp, payload := e.do(t, http.MethodPost, "/api/session/login", "", body, "application/json")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login failed: %d %v", resp.StatusCode, payload)
	}
	token, _ := payload["token"].(string)
	if token == "" {
		t.Fatal("login returned no token")
	}
	return token
}

// waitForState polls the record endpoint until the load state matches.
func (e *testEnv) waitForState(t *testing.T, token, kind, want string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		resp, payload := e.do(t, http.MethodGet, "/api/records/"+kind, token, nil, "")
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("record state failed: %d %v", resp.StatusCode, payload)
		}
		if payload["state"] == want {
			return payload
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("record never reached state %q", want)
	return nil
}

func TestLoginAndSessionIntrospection(t *testing.T) {
	env := setupEnv(t)
	token := env.login(t, goodCredential)

	resp, payload := env.do(t, http.MethodGet, "/api/session", token, nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("session introspection failed: %d", resp.StatusCode)
	}
	if payload["authenticated"] != true || payload["tenantId"] != "acme" || payload["surface"] != "operator" {
		t.Errorf("unexpected session payload: %v", payload)
	}
}

func TestLoginRejectsBadCredential(t *testing.T) {
	env := setupEnv(t)
	body := bytes.NewBufferString(`{"tenantId":"acme","credential":"wrong"}`)
	resp, payload := env.do(t, http.MethodPost, "/api/session/login", "", body, "application/json")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	if payload["code"] != "INVALID_CREDENTIALS" {
		t.Errorf("code = %v", payload["code"])
	}
}

func TestAdminLoginSurface(t *testing.T) {
	env := setupEnv(t)
	body := bytes.NewBufferString(fmt.Sprintf(`{"tenantId":"acme","credential":%q}`, goodCredential))
	resp, payload := env.do(t, http.MethodPost, "/api/admin/session/login", "", body, "application/json")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("admin login failed: %d %v", resp.StatusCode, payload)
	}
	if payload["surface"] != "admin" {
		t.Errorf("surface = %v, want admin", payload["surface"])
	}
}

func TestSectionSavePreservesSiblings(t *testing.T) {
	env := setupEnv(t)
	env.backend.setRecord("acme", "home-page", map[string]string{
		"hero_title":    "Acme",
		"about_body":    "<p>about us</p>",
		"services_body": "<p>things we do</p>",
	})
	token := env.login(t, goodCredential)
	env.waitForState(t, token, "home-page", "loaded")

	body := bytes.NewBufferString(`{"fields":{"hero_title":"New Acme"}}`)
	resp, payload := env.do(t, http.MethodPut, "/api/records/home-page/sections/hero", token, body, "application/json")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("save failed: %d %v", resp.StatusCode, payload)
	}
	if payload["ok"] != true {
		t.Fatalf("save outcome: %v", payload)
	}

	rec := env.backend.record("acme", "home-page")
	if rec["hero_title"] != "New Acme" {
		t.Errorf("draft field not saved: %q", rec["hero_title"])
	}
	if rec["about_body"] != "<p>about us</p>" || rec["services_body"] != "<p>things we do</p>" {
		t.Errorf("sibling sections destroyed: %v", rec)
	}
	// Never-set fields come from the kind defaults, not empty strings.
	if rec["cta_label"] != "Get in touch" {
		t.Errorf("default not applied: %q", rec["cta_label"])
	}
}

func TestSectionSaveRequiredFieldValidation(t *testing.T) {
	env := setupEnv(t)
	env.backend.setRecord("acme", "home-page", map[string]string{
		"hero_title": "Acme",
		"about_body": "<p>about us</p>",
	})
	token := env.login(t, goodCredential)
	env.waitForState(t, token, "home-page", "loaded")

	// Empty markup counts as empty after tag stripping.
	body := bytes.NewBufferString(`{"fields":{"about_body":"<p>   </p>"}}`)
	resp, payload := env.do(t, http.MethodPut, "/api/records/home-page/sections/about", token, body, "application/json")
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422 (%v)", resp.StatusCode, payload)
	}
	if payload["code"] != "VALIDATION_ERROR" {
		t.Errorf("code = %v", payload["code"])
	}
}

func TestSectionSaveRejectsBadVideoURL(t *testing.T) {
	env := setupEnv(t)
	env.backend.setRecord("acme", "home-page", map[string]string{
		"hero_title": "Acme",
		"about_body": "<p>about us</p>",
	})
	token := env.login(t, goodCredential)
	env.waitForState(t, token, "home-page", "loaded")

	body := bytes.NewBufferString(`{"fields":{"video_url":"https://example.com/not-a-video"}}`)
	resp, payload := env.do(t, http.MethodPut, "/api/records/home-page/sections/video", token, body, "application/json")
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422 (%v)", resp.StatusCode, payload)
	}

	// A recognized link is normalized to its embed form.
	body = bytes.NewBufferString(`{"fields":{"video_url":"https://youtu.be/dQw4w9WgXcQ"}}`)
	resp, payload = env.do(t, http.MethodPut, "/api/records/home-page/sections/video", token, body, "application/json")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("save failed: %d %v", resp.StatusCode, payload)
	}
	if got := env.backend.record("acme", "home-page")["video_url"]; got != "https://www.youtube.com/embed/dQw4w9WgXcQ" {
		t.Errorf("video_url = %q, want normalized embed URL", got)
	}
}

func TestSectionSaveWithUpload(t *testing.T) {
	env := setupEnv(t)
	env.backend.setRecord("acme", "home-page", map[string]string{
		"hero_title": "Acme",
		"about_body": "<p>about us</p>",
	})
	token := env.login(t, goodCredential)
	env.waitForState(t, token, "home-page", "loaded")

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	_ = writer.WriteField("hero_title", "Acme v2")
	part, _ := writer.CreatePart(map[string][]string{
		"Content-Disposition": {`form-data; name="hero_image"; filename="hero.png"`},
		"Content-Type":        {"image/png"},
	})
	_, _ = part.Write([]byte("png-bytes"))
	_ = writer.Close()

	resp, payload := env.do(t, http.MethodPut, "/api/records/home-page/sections/hero", token, &buf, writer.FormDataContentType())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("upload save failed: %d %v", resp.StatusCode, payload)
	}

	rec := env.backend.record("acme", "home-page")
	if rec["hero_title"] != "Acme v2" {
		t.Errorf("field not saved: %q", rec["hero_title"])
	}
	if rec["hero_image"] != "uploads/hero_image" {
		t.Errorf("attachment not delivered: %q", rec["hero_image"])
	}
}

func TestSectionSaveRejectsWrongUploadType(t *testing.T) {
	env := setupEnv(t)
	env.backend.setRecord("acme", "home-page", map[string]string{
		"hero_title": "Acme",
		"about_body": "<p>about us</p>",
	})
	token := env.login(t, goodCredential)
	env.waitForState(t, token, "home-page", "loaded")

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, _ := writer.CreatePart(map[string][]string{
		"Content-Disposition": {`form-data; name="hero_image"; filename="anim.gif"`},
		"Content-Type":        {"image/gif"},
	})
	_, _ = part.Write([]byte("gif-bytes"))
	_ = writer.Close()

	resp, payload := env.do(t, http.MethodPut, "/api/records/home-page/sections/hero", token, &buf, writer.FormDataContentType())
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422 (%v)", resp.StatusCode, payload)
	}
	if payload["code"] != "VALIDATION_ERROR" {
		t.Errorf("code = %v", payload["code"])
	}
}

func TestLoadFailureAndManualRetry(t *testing.T) {
	env := setupEnv(t)
	token := env.login(t, goodCredential)

	env.backend.setFailGets(true)
	payload := env.waitForState(t, token, "home-page", "failed")
	if payload["canRetry"] != true {
		t.Errorf("terminal failure should offer retry: %v", payload)
	}
	if payload["attempts"] != float64(3) {
		t.Errorf("attempts = %v, want 3", payload["attempts"])
	}

	env.backend.setFailGets(false)
	resp, _ := env.do(t, http.MethodPost, "/api/records/home-page/retry", token, nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("retry failed: %d", resp.StatusCode)
	}
	env.waitForState(t, token, "home-page", "loaded")
}

func TestAuthExpiryTearsDownSession(t *testing.T) {
	env := setupEnv(t)
	env.backend.setRecord("acme", "home-page", map[string]string{
		"hero_title": "Acme",
		"about_body": "<p>about us</p>",
	})
	token := env.login(t, goodCredential)
	env.waitForState(t, token, "home-page", "loaded")

	// The credential dies upstream mid-session.
	env.backend.setRejectAll(true)

	body := bytes.NewBufferString(`{"fields":{"hero_title":"New"}}`)
	resp, payload := env.do(t, http.MethodPut, "/api/records/home-page/sections/hero", token, body, "application/json")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 (%v)", resp.StatusCode, payload)
	}
	if payload["code"] != "AUTH_EXPIRED" {
		t.Errorf("code = %v", payload["code"])
	}
	details, _ := payload["details"].(map[string]any)
	if details == nil || details["redirect"] != true || details["location"] != "/login" {
		t.Errorf("redirect instruction missing: %v", payload["details"])
	}

	// The session is gone: the next request fails at the door.
	resp, payload = env.do(t, http.MethodGet, "/api/records/home-page", token, nil, "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("revoked session still accepted: %d %v", resp.StatusCode, payload)
	}
	if payload["code"] != "UNAUTHORIZED" {
		t.Errorf("code = %v", payload["code"])
	}
}

func TestPublicRecordWithoutCredential(t *testing.T) {
	env := setupEnv(t)
	env.backend.setRecord("acme", "home-page", map[string]string{"hero_title": "Acme"})

	resp, payload := env.do(t, http.MethodGet, "/public/acme/home-page", "", nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("public read failed: %d %v", resp.StatusCode, payload)
	}
	rec, _ := payload["record"].(map[string]any)
	if rec == nil || rec["hero_title"] != "Acme" {
		t.Errorf("unexpected public record: %v", payload)
	}
}

func TestUnknownResourceKind(t *testing.T) {
	env := setupEnv(t)
	token := env.login(t, goodCredential)

	resp, payload := env.do(t, http.MethodGet, "/api/records/blog-page", token, nil, "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	if payload["code"] != "UNKNOWN_RESOURCE" {
		t.Errorf("code = %v", payload["code"])
	}
}

func TestLogout(t *testing.T) {
	env := setupEnv(t)
	token := env.login(t, goodCredential)

	resp, _ := env.do(t, http.MethodPost, "/api/session/logout", token, nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("logout failed: %d", resp.StatusCode)
	}

	resp, _ = env.do(t, http.MethodGet, "/api/records/home-page", token, nil, "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("logged-out session still accepted: %d", resp.StatusCode)
	}
}

func TestNoOpRoundTrip(t *testing.T) {
	env := setupEnv(t)
	original := map[string]string{
		"hero_title":    "Acme",
		"hero_subtitle": "We make anvils",
		"about_body":    "<p>about us</p>",
		"services_body": "<p>things we do</p>",
		"video_url":     "https://www.youtube.com/embed/abcdefghijk",
		"cta_label":     "Call now",
		"contact_email": "hi@acme.test",
	}
	env.backend.setRecord("acme", "home-page", original)
	token := env.login(t, goodCredential)
	env.waitForState(t, token, "home-page", "loaded")

	// An empty draft is truly a no-op.
	body := bytes.NewBufferString(`{"fields":{}}`)
	resp, payload := env.do(t, http.MethodPut, "/api/records/home-page/sections/hero", token, body, "application/json")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("no-op save failed: %d %v", resp.StatusCode, payload)
	}

	rec := env.backend.record("acme", "home-page")
	for field, want := range original {
		if rec[field] != want {
			t.Errorf("field %s changed across no-op round trip: %q != %q", field, rec[field], want)
		}
	}
}
