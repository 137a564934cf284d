package service_test

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	appErrors "github.com/unclebandit/newsletter-backend/internal/errors"
	"github.com/unclebandit/newsletter-backend/internal/lock"
	"github.com/unclebandit/newsletter-backend/internal/mail"
	"github.com/unclebandit/newsletter-backend/internal/model"
	"github.com/unclebandit/newsletter-backend/internal/service"
)

// MockNewsletterRepo stores newsletters in memory
type MockNewsletterRepo struct {
	mu          sync.Mutex
	newsletters map[string]*model.Newsletter
	updates     int
}

func NewMockNewsletterRepo(ns ...*model.Newsletter) *MockNewsletterRepo {
	m := &MockNewsletterRepo{newsletters: map[string]*model.Newsletter{}}
	for _, n := range ns {
		m.newsletters[n.ID] = n
	}
	return m
}

func (m *MockNewsletterRepo) Create(ctx context.Context, n *model.Newsletter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n.ID == "" {
		n.ID = "generated"
	}
	n.CreatedAt = time.Now()
	cp := *n
	m.newsletters[n.ID] = &cp
	return nil
}

func (m *MockNewsletterRepo) GetByID(ctx context.Context, id string) (*model.Newsletter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.newsletters[id]
	if !ok {
		return nil, appErrors.NewNewsletterNotFound(id)
	}
	cp := *n
	return &cp, nil
}

func (m *MockNewsletterRepo) List(ctx context.Context, offset, limit int, status string) ([]*model.Newsletter, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := []*model.Newsletter{}
	for _, n := range m.newsletters {
		if status == "" || string(n.Status) == status {
			all = append(all, n)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	if offset >= len(all) {
		return []*model.Newsletter{}, len(all), nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], len(all), nil
}

func (m *MockNewsletterRepo) ListByStatus(ctx context.Context, statuses ...model.NewsletterStatus) ([]*model.Newsletter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*model.Newsletter{}
	for _, n := range m.newsletters {
		for _, s := range statuses {
			if n.Status == s {
				cp := *n
				out = append(out, &cp)
			}
		}
	}
	return out, nil
}

func (m *MockNewsletterRepo) StartSending(ctx context.Context, id, subject, content string, recipientCount int, settings string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.newsletters[id]
	if !ok {
		return appErrors.NewNewsletterNotFound(id)
	}
	n.Subject, n.Content = subject, content
	n.Status = model.StatusSending
	n.RecipientCount = recipientCount
	n.Settings = settings
	n.SentAt = nil
	return nil
}

func (m *MockNewsletterRepo) UpdateProgress(ctx context.Context, id string, status model.NewsletterStatus, settings string, sentAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.newsletters[id]
	if !ok {
		return appErrors.NewNewsletterNotFound(id)
	}
	n.Status = status
	n.Settings = settings
	n.SentAt = sentAt
	m.updates++
	return nil
}

// progress reads the stored blob of a newsletter, panicking on corruption.
func (m *MockNewsletterRepo) progress(id string) *model.SendingProgress {
	n, err := m.GetByID(context.Background(), id)
	if err != nil {
		panic(err)
	}
	p, err := n.Progress()
	if err != nil {
		panic(err)
	}
	return p
}

func (m *MockNewsletterRepo) status(id string) model.NewsletterStatus {
	n, _ := m.GetByID(context.Background(), id)
	return n.Status
}

// MockHashedRepo remembers every recorded hash
type MockHashedRepo struct {
	mu     sync.Mutex
	hashes map[string]bool
}

func (m *MockHashedRepo) FindExisting(ctx context.Context, hashes []string) (map[string]bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string]bool{}
	for _, h := range hashes {
		if m.hashes[h] {
			out[h] = true
		}
	}
	return out, nil
}

func (m *MockHashedRepo) Record(ctx context.Context, hashes []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.hashes == nil {
		m.hashes = map[string]bool{}
	}
	for _, h := range hashes {
		m.hashes[h] = true
	}
	return nil
}

// MockSettingsRepo keeps one settings row
type MockSettingsRepo struct {
	stored *model.NewsletterSettings
	gets   int
	err    error
}

func (m *MockSettingsRepo) Get(ctx context.Context) (*model.NewsletterSettings, error) {
	m.gets++
	if m.err != nil {
		return nil, m.err
	}
	return m.stored, nil
}

func (m *MockSettingsRepo) Save(ctx context.Context, s model.NewsletterSettings) error {
	m.stored = &s
	return nil
}

// MockProcessor answers chunks with a scripted outcome per address.
type MockProcessor struct {
	mu      sync.Mutex
	fail    map[string]string
	calls   [][]string
	modes   []model.SendMode
	subject string
}

func NewMockProcessor() *MockProcessor {
	return &MockProcessor{fail: map[string]string{}}
}

// Fail makes every listed address fail with reason until Heal is called.
func (p *MockProcessor) Fail(reason string, emails ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range emails {
		p.fail[e] = reason
	}
}

func (p *MockProcessor) Heal(emails ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range emails {
		delete(p.fail, e)
	}
}

func (p *MockProcessor) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

func (p *MockProcessor) ProcessSendingChunk(ctx context.Context, emails []string, newsletterID string, settings model.NewsletterSettings, mode model.SendMode, content service.Content) *model.ChunkSendResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, append([]string(nil), emails...))
	p.modes = append(p.modes, mode)
	p.subject = content.Subject

	res := &model.ChunkSendResult{CompletedAt: time.Now()}
	for _, e := range emails {
		if reason, ok := p.fail[e]; ok {
			res.Results = append(res.Results, model.EmailResult{Email: e, Error: reason})
			res.FailedCount++
			continue
		}
		res.Results = append(res.Results, model.EmailResult{Email: e, Success: true})
		res.SentCount++
	}
	return res
}

// fakeTransport records what the chunk sender does with it.
type fakeTransport struct {
	verifyErrs []error
	sendErrs   []error
	sent       []*mail.Message
	verifies   int
	closed     int
}

func (t *fakeTransport) Verify(ctx context.Context) error {
	t.verifies++
	if len(t.verifyErrs) == 0 {
		return nil
	}
	err := t.verifyErrs[0]
	t.verifyErrs = t.verifyErrs[1:]
	return err
}

func (t *fakeTransport) Send(ctx context.Context, msg *mail.Message) error {
	t.sent = append(t.sent, msg)
	if len(t.sendErrs) == 0 {
		return nil
	}
	err := t.sendErrs[0]
	t.sendErrs = t.sendErrs[1:]
	return err
}

func (t *fakeTransport) Close() error {
	t.closed++
	return nil
}

// fakeFactory hands out the prepared transports in order.
type fakeFactory struct {
	transports []*fakeTransport
	created    int
	err        error
}

func (f *fakeFactory) Create(settings model.NewsletterSettings) (mail.Transporter, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.created >= len(f.transports) {
		return nil, errors.New("no transport left")
	}
	t := f.transports[f.created]
	f.created++
	return t, nil
}

// MockDispatcher records dispatched work
type MockDispatcher struct {
	mu      sync.Mutex
	chunks  [][]string
	retries []string
}

func (d *MockDispatcher) DispatchChunks(ctx context.Context, newsletterID string, chunks [][]string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.chunks = append(d.chunks, chunks...)
	return nil
}

func (d *MockDispatcher) DispatchRetry(ctx context.Context, newsletterID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.retries = append(d.retries, newsletterID)
	return nil
}

var fixedNow = time.Date(2024, 5, 14, 9, 30, 0, 0, time.UTC)

func draft(id string) *model.Newsletter {
	return &model.Newsletter{ID: id, Subject: "Draft", Status: model.StatusDraft, CreatedAt: fixedNow}
}

// newTestService builds a NewsletterService over in-memory fakes.
func newTestService(repo *MockNewsletterRepo, proc service.ChunkProcessor, defaults model.NewsletterSettings) *service.NewsletterService {
	return &service.NewsletterService{
		Repo:       repo,
		Recipients: &service.RecipientService{Repo: &MockHashedRepo{}},
		Sender:     proc,
		Settings:   service.NewSettingsService(&MockSettingsRepo{}, nil, defaults),
		Locker:     lock.NewLocalLocker(),
		Now:        func() time.Time { return fixedNow },
	}
}
