package controller_test

import (
    "bytes"
    "context"
    "encoding/json"
    "fmt"
    "net/http"
    "net/http/httptest"
    "strings"
    "sync"
    "testing"
    "time"

    "github.com/go-chi/chi/v5"
    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "github.com/unclebandit/newsletter-backend/internal/controller"
    appErrors "github.com/unclebandit/newsletter-backend/internal/errors"
    "github.com/unclebandit/newsletter-backend/internal/lock"
    "github.com/unclebandit/newsletter-backend/internal/model"
    "github.com/unclebandit/newsletter-backend/internal/service"
)

// --- Mock Repositories ---

type MockNewsletterRepo struct {
    mu    sync.Mutex
    items map[string]*model.Newsletter
}

func (m *MockNewsletterRepo) Create(ctx context.Context, n *model.Newsletter) error {
    m.mu.Lock()
    defer m.mu.Unlock()
    n.ID = fmt.Sprintf("nl-%d", len(m.items)+1)
    n.Status = model.StatusDraft
    cp := *n
    m.items[n.ID] = &cp
    return nil
}

func (m *MockNewsletterRepo) GetByID(ctx context.Context, id string) (*model.Newsletter, error) {
    m.mu.Lock()
    defer m.mu.Unlock()
    n, ok := m.items[id]
    if !ok {
        return nil, appErrors.NewNewsletterNotFound(id)
    }
    cp := *n
    return &cp, nil
}

func (m *MockNewsletterRepo) List(ctx context.Context, offset, limit int, status string) ([]*model.Newsletter, int, error) {
    m.mu.Lock()
    defer m.mu.Unlock()
    out := []*model.Newsletter{}
    for _, n := range m.items {
        out = append(out, n)
    }
    return out, len(out), nil
}

func (m *MockNewsletterRepo) ListByStatus(ctx context.Context, statuses ...model.NewsletterStatus) ([]*model.Newsletter, error) {
    return nil, nil
}

func (m *MockNewsletterRepo) StartSending(ctx context.Context, id, subject, content string, recipientCount int, settings string) error {
    m.mu.Lock()
    defer m.mu.Unlock()
    n, ok := m.items[id]
    if !ok {
        return appErrors.NewNewsletterNotFound(id)
    }
    n.Subject, n.Content, n.RecipientCount, n.Settings = subject, content, recipientCount, settings
    n.Status = model.StatusSending
    return nil
}

func (m *MockNewsletterRepo) UpdateProgress(ctx context.Context, id string, status model.NewsletterStatus, settings string, sentAt *time.Time) error {
    m.mu.Lock()
    defer m.mu.Unlock()
    n, ok := m.items[id]
    if !ok {
        return appErrors.NewNewsletterNotFound(id)
    }
    n.Status, n.Settings, n.SentAt = status, settings, sentAt
    return nil
}

type MockHashedRepo struct{}

func (m *MockHashedRepo) FindExisting(ctx context.Context, hashes []string) (map[string]bool, error) {
    return map[string]bool{}, nil
}
func (m *MockHashedRepo) Record(ctx context.Context, hashes []string) error { return nil }

type MockSettingsRepo struct {
    stored *model.NewsletterSettings
}

func (m *MockSettingsRepo) Get(ctx context.Context) (*model.NewsletterSettings, error) {
    return m.stored, nil
}

func (m *MockSettingsRepo) Save(ctx context.Context, s model.NewsletterSettings) error {
    m.stored = &s
    return nil
}

// MockSender delivers everything except the addresses in fail.
type MockSender struct {
    fail map[string]bool
}

func (s *MockSender) ProcessSendingChunk(ctx context.Context, emails []string, newsletterID string, settings model.NewsletterSettings, mode model.SendMode, content service.Content) *model.ChunkSendResult {
    res := &model.ChunkSendResult{CompletedAt: time.Now()}
    for _, e := range emails {
        if s.fail[e] {
            res.Results = append(res.Results, model.EmailResult{Email: e, Error: "421 try again later"})
            res.FailedCount++
            continue
        }
        res.Results = append(res.Results, model.EmailResult{Email: e, Success: true})
        res.SentCount++
    }
    return res
}

// --- Helpers ---

type testServer struct {
    repo   *MockNewsletterRepo
    sender *MockSender
    router http.Handler
}

func newTestServer(newsletters ...*model.Newsletter) *testServer {
    repo := &MockNewsletterRepo{items: map[string]*model.Newsletter{}}
    for _, n := range newsletters {
        repo.items[n.ID] = n
    }
    sender := &MockSender{fail: map[string]bool{}}
    settings := service.NewSettingsService(&MockSettingsRepo{}, nil, model.DefaultNewsletterSettings())
    ctrl := &controller.NewsletterController{
        Newsletters: &service.NewsletterService{
            Repo:       repo,
            Recipients: &service.RecipientService{Repo: &MockHashedRepo{}},
            Sender:     sender,
            Settings:   settings,
            Locker:     lock.NewLocalLocker(),
        },
        Settings: settings,
    }

    r := chi.NewRouter()
    r.Post("/newsletter", ctrl.CreateNewsletter)
    r.Get("/newsletter", ctrl.ListNewsletters)
    r.Post("/newsletter/send", ctrl.Send)
    r.Post("/newsletter/send-chunk", ctrl.SendChunk)
    r.Post("/newsletter/retry-chunk", ctrl.RetryChunk)
    r.Get("/newsletter/send-status/{id}", ctrl.SendStatus)
    r.Get("/newsletter/retry-plan/{id}", ctrl.RetryPlan)
    r.Get("/newsletter/settings", ctrl.GetSettings)
    r.Put("/newsletter/settings", ctrl.UpdateSettings)
    r.Get("/newsletter/{id}", ctrl.GetNewsletter)
    return &testServer{repo: repo, sender: sender, router: r}
}

func (s *testServer) do(t *testing.T, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
    t.Helper()
    var buf bytes.Buffer
    if body != nil {
        if raw, ok := body.(string); ok {
            buf.WriteString(raw)
        } else {
            require.NoError(t, json.NewEncoder(&buf).Encode(body))
        }
    }
    req := httptest.NewRequest(method, path, &buf)
    req.Header.Set("Content-Type", "application/json")
    rr := httptest.NewRecorder()
    s.router.ServeHTTP(rr, req)

    out := map[string]any{}
    if rr.Body.Len() > 0 {
        require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out), rr.Body.String())
    }
    return rr, out
}

func draft(id string) *model.Newsletter {
    return &model.Newsletter{ID: id, Subject: "Draft", Status: model.StatusDraft, CreatedAt: time.Now()}
}

func sendBody(id string, emails ...string) map[string]any {
    return map[string]any{
        "newsletterId": id,
        "subject":      "Jahreshauptversammlung",
        "html":         "<p>Einladung</p>",
        "emailText":    strings.Join(emails, "\n"),
        "settings":     map[string]any{"chunkSize": 2},
    }
}

// --- Tests ---

func TestSendAndChunkFlow(t *testing.T) {
    srv := newTestServer(draft("nl-1"))
    emails := []string{"a@example.org", "b@example.org", "c@example.org"}
    srv.sender.fail["c@example.org"] = true

    rr, plan := srv.do(t, http.MethodPost, "/newsletter/send", sendBody("nl-1", emails...))
    require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
    assert.Equal(t, true, plan["success"])
    assert.Equal(t, float64(2), plan["totalChunks"])

    chunks, ok := plan["emailChunks"].([]any)
    require.True(t, ok)

    var last map[string]any
    for i, c := range chunks {
        rr, last = srv.do(t, http.MethodPost, "/newsletter/send-chunk", map[string]any{
            "newsletterId": "nl-1",
            "chunkEmails":  c,
            "chunkIndex":   i,
        })
        require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
    }
    assert.Equal(t, false, last["isComplete"])
    assert.Equal(t, "retrying", last["newsletterStatus"])

    rr, status := srv.do(t, http.MethodGet, "/newsletter/send-status/nl-1", nil)
    require.Equal(t, http.StatusOK, rr.Code)
    assert.Equal(t, float64(len(chunks)), status["completedChunks"])
    assert.Equal(t, float64(2), status["totalSent"])
    assert.Equal(t, float64(1), status["remainingFailed"])

    rr, retryPlan := srv.do(t, http.MethodGet, "/newsletter/retry-plan/nl-1", nil)
    require.Equal(t, http.StatusOK, rr.Code)
    assert.Len(t, retryPlan["chunks"], 1)

    delete(srv.sender.fail, "c@example.org")
    rr, retried := srv.do(t, http.MethodPost, "/newsletter/retry-chunk", map[string]any{
        "newsletterId": "nl-1",
        "chunkEmails":  []string{"c@example.org"},
    })
    require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
    assert.Equal(t, "sent", retried["newsletterStatus"])
    assert.Equal(t, true, retried["isComplete"])
}

func TestSendRejectsBadBody(t *testing.T) {
    srv := newTestServer(draft("nl-1"))

    rr, body := srv.do(t, http.MethodPost, "/newsletter/send", "{not json")
    assert.Equal(t, http.StatusBadRequest, rr.Code)
    assert.Equal(t, appErrors.TypeValidation, body["type"])

    rr, body = srv.do(t, http.MethodPost, "/newsletter/send", map[string]any{"newsletterId": "nl-1"})
    assert.Equal(t, http.StatusBadRequest, rr.Code)
    assert.Equal(t, appErrors.TypeValidation, body["type"])
}

func TestSendUnknownNewsletter(t *testing.T) {
    srv := newTestServer()

    rr, body := srv.do(t, http.MethodPost, "/newsletter/send", sendBody("missing", "a@example.org"))
    assert.Equal(t, http.StatusNotFound, rr.Code)
    assert.Equal(t, appErrors.TypeNotFound, body["type"])
}

func TestRetryChunkInvalidState(t *testing.T) {
    srv := newTestServer(draft("nl-1"))

    rr, body := srv.do(t, http.MethodPost, "/newsletter/retry-chunk", map[string]any{
        "newsletterId": "nl-1",
        "chunkEmails":  []string{"a@example.org"},
    })
    assert.Equal(t, http.StatusBadRequest, rr.Code)
    assert.Equal(t, appErrors.TypeInvalidState, body["type"])
}

func TestSendStatusUnknownIsBadRequest(t *testing.T) {
    srv := newTestServer()

    rr, body := srv.do(t, http.MethodGet, "/newsletter/send-status/nope", nil)
    assert.Equal(t, http.StatusBadRequest, rr.Code)
    assert.Equal(t, appErrors.TypeNotFound, body["type"])
}

func TestSendStatusCorruptedProgress(t *testing.T) {
    n := draft("nl-1")
    n.Status = model.StatusSending
    n.Settings = `{"totalSent": "many"`
    srv := newTestServer(n)

    rr, body := srv.do(t, http.MethodGet, "/newsletter/send-status/nl-1", nil)
    assert.Equal(t, http.StatusInternalServerError, rr.Code)
    assert.Equal(t, "error", body["status"])
    assert.Equal(t, true, body["isComplete"])
    assert.Equal(t, float64(0), body["totalSent"])
    assert.NotEmpty(t, body["error"])
}

func TestRetryPlanForDraft(t *testing.T) {
    srv := newTestServer(draft("nl-1"))

    rr, body := srv.do(t, http.MethodGet, "/newsletter/retry-plan/nl-1", nil)
    require.Equal(t, http.StatusOK, rr.Code)
    assert.Empty(t, body["chunks"])
}

func TestCreateListAndGetNewsletter(t *testing.T) {
    srv := newTestServer()

    rr, created := srv.do(t, http.MethodPost, "/newsletter", map[string]any{"subject": "Sommerfest", "content": "<p>hi</p>"})
    require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
    id, _ := created["id"].(string)
    require.NotEmpty(t, id)

    rr, list := srv.do(t, http.MethodGet, "/newsletter?page=1&page_size=5", nil)
    require.Equal(t, http.StatusOK, rr.Code)
    assert.Len(t, list["data"], 1)
    pagination, ok := list["pagination"].(map[string]any)
    require.True(t, ok)
    assert.Equal(t, float64(1), pagination["total_count"])

    rr, got := srv.do(t, http.MethodGet, "/newsletter/"+id, nil)
    require.Equal(t, http.StatusOK, rr.Code)
    assert.Equal(t, "Sommerfest", got["subject"])

    rr, _ = srv.do(t, http.MethodPost, "/newsletter", map[string]any{"subject": " "})
    assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestSettingsRoundTrip(t *testing.T) {
    srv := newTestServer()

    rr, body := srv.do(t, http.MethodPut, "/newsletter/settings", map[string]any{
        "fromEmail":       "vorstand@example.org",
        "chunkSize":       20,
        "retryChunkSizes": []int{4, 1},
    })
    require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
    assert.Equal(t, float64(20), body["chunkSize"])

    rr, body = srv.do(t, http.MethodGet, "/newsletter/settings", nil)
    require.Equal(t, http.StatusOK, rr.Code)
    assert.Equal(t, "vorstand@example.org", body["fromEmail"])

    rr, body = srv.do(t, http.MethodPut, "/newsletter/settings", map[string]any{"fromEmail": "not-an-address"})
    assert.Equal(t, http.StatusBadRequest, rr.Code)
    assert.Equal(t, appErrors.TypeValidation, body["type"])
}
