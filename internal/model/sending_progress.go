// internal/model/sending_progress.go
package model

import (
    "encoding/json"
    "errors"
    "fmt"
    "strings"
    "time"
)

// ErrCorruptedProgress is returned when the settings blob of a newsletter
// cannot be parsed or breaks one of the progress invariants.
var ErrCorruptedProgress = errors.New("corrupted sending progress")

type SendMode string

const (
    ModeInitial SendMode = "initial"
    ModeRetry   SendMode = "retry"
)

type ChunkResult struct {
    ChunkIndex  int       `json:"chunkIndex"`
    Mode        SendMode  `json:"mode"`
    SentCount   int       `json:"sentCount"`
    FailedCount int       `json:"failedCount"`
    CompletedAt time.Time `json:"completedAt"`
}

// ProcessedChunk remembers a chunk attempt token so a resubmitted chunk is
// answered from the stored result instead of being sent again.
type ProcessedChunk struct {
    Token       string   `json:"token"`
    Mode        SendMode `json:"mode"`
    Stage       int      `json:"stage"`
    SentCount   int      `json:"sentCount"`
    FailedCount int      `json:"failedCount"`
}

// SendingProgress is the typed content of Newsletter.Settings.
type SendingProgress struct {
    ChunkSize         int              `json:"chunkSize"`
    TotalChunks       int              `json:"totalChunks"`
    ChunkResults      []ChunkResult    `json:"chunkResults"`
    RetryResults      []ChunkResult    `json:"retryResults,omitempty"`
    TotalSent         int              `json:"totalSent"`
    TotalFailed       int              `json:"totalFailed"`
    CompletedChunks   int              `json:"completedChunks"`
    RetryInProgress   bool             `json:"retryInProgress"`
    FailedEmails      []string         `json:"failedEmails"`
    CurrentRetryStage int              `json:"currentRetryStage"`
    RetryChunkSizes   []int            `json:"retryChunkSizes"`
    Recipients        []string         `json:"recipients,omitempty"`
    ProcessedChunks   []ProcessedChunk `json:"processedChunks,omitempty"`
    SendingStartedAt  *time.Time       `json:"sendingStartedAt,omitempty"`
    LastRetryAt       *time.Time       `json:"lastRetryAt,omitempty"`
    // Overrides are the per-send settings given with the send request.
    Overrides *NewsletterSettings `json:"overrides,omitempty"`
}

func NewSendingProgress(recipients []string, chunkSize int, retryChunkSizes []int, now time.Time) *SendingProgress {
    totalChunks := 0
    if chunkSize > 0 {
        totalChunks = (len(recipients) + chunkSize - 1) / chunkSize
    }
    return &SendingProgress{
        ChunkSize:        chunkSize,
        TotalChunks:      totalChunks,
        ChunkResults:     []ChunkResult{},
        FailedEmails:     []string{},
        RetryChunkSizes:  append([]int(nil), retryChunkSizes...),
        Recipients:       append([]string(nil), recipients...),
        SendingStartedAt: &now,
    }
}

// ParseSendingProgress decodes and validates a settings blob. An empty blob
// yields an empty progress. recipientCount bounds the counters; pass 0 to
// skip that check.
func ParseSendingProgress(raw string, recipientCount int) (*SendingProgress, error) {
    p := &SendingProgress{ChunkResults: []ChunkResult{}, FailedEmails: []string{}}
    if strings.TrimSpace(raw) == "" {
        return p, nil
    }
    if err := json.Unmarshal([]byte(raw), p); err != nil {
        return nil, fmt.Errorf("%w: %v", ErrCorruptedProgress, err)
    }
    if p.ChunkResults == nil {
        p.ChunkResults = []ChunkResult{}
    }
    if p.FailedEmails == nil {
        p.FailedEmails = []string{}
    }
    if err := p.Validate(recipientCount); err != nil {
        return nil, err
    }
    return p, nil
}

func (p *SendingProgress) Validate(recipientCount int) error {
    if p.TotalSent < 0 || p.TotalFailed < 0 || p.CompletedChunks < 0 || p.ChunkSize < 0 || p.TotalChunks < 0 {
        return fmt.Errorf("%w: negative counter", ErrCorruptedProgress)
    }
    sum := 0
    for _, r := range p.ChunkResults {
        if r.SentCount < 0 || r.FailedCount < 0 {
            return fmt.Errorf("%w: negative chunk result", ErrCorruptedProgress)
        }
        sum += r.SentCount + r.FailedCount
    }
    if recipientCount > 0 {
        if sum > recipientCount {
            return fmt.Errorf("%w: chunk results exceed recipient count (%d > %d)", ErrCorruptedProgress, sum, recipientCount)
        }
        if p.TotalSent+p.TotalFailed > recipientCount {
            return fmt.Errorf("%w: totals exceed recipient count", ErrCorruptedProgress)
        }
    }
    for _, size := range p.RetryChunkSizes {
        if size <= 0 {
            return fmt.Errorf("%w: retry chunk size must be positive", ErrCorruptedProgress)
        }
    }
    if p.CurrentRetryStage < 0 || (len(p.RetryChunkSizes) > 0 && p.CurrentRetryStage > len(p.RetryChunkSizes)) {
        return fmt.Errorf("%w: retry stage %d out of range", ErrCorruptedProgress, p.CurrentRetryStage)
    }
    return nil
}

func (p *SendingProgress) Marshal() (string, error) {
    b, err := json.Marshal(p)
    if err != nil {
        return "", err
    }
    return string(b), nil
}

func (p *SendingProgress) Processed(token string) (ProcessedChunk, bool) {
    for _, c := range p.ProcessedChunks {
        if c.Token == token {
            return c, true
        }
    }
    return ProcessedChunk{}, false
}

// InitialPassComplete reports whether every planned chunk has been processed once.
func (p *SendingProgress) InitialPassComplete() bool {
    return p.TotalChunks > 0 && p.CompletedChunks >= p.TotalChunks
}

// RecordInitialChunk applies the outcome of one chunk of the first pass.
func (p *SendingProgress) RecordInitialChunk(token string, index int, sent, failed int, failedEmails []string, at time.Time) {
    p.ChunkResults = append(p.ChunkResults, ChunkResult{
        ChunkIndex:  index,
        Mode:        ModeInitial,
        SentCount:   sent,
        FailedCount: failed,
        CompletedAt: at,
    })
    p.TotalSent += sent
    p.TotalFailed += failed
    p.CompletedChunks++
    p.FailedEmails = appendUnique(p.FailedEmails, failedEmails...)
    p.ProcessedChunks = append(p.ProcessedChunks, ProcessedChunk{Token: token, Mode: ModeInitial, SentCount: sent, FailedCount: failed})
}

// RecordRetryChunk applies the outcome of one retry attempt. Succeeded
// addresses leave the failed set and move from TotalFailed to TotalSent.
func (p *SendingProgress) RecordRetryChunk(token string, index int, succeeded []string, failed int, at time.Time) {
    removed := p.RemoveFailed(succeeded...)
    p.TotalSent += removed
    p.TotalFailed -= removed
    if p.TotalFailed < 0 {
        p.TotalFailed = 0
    }
    p.RetryResults = append(p.RetryResults, ChunkResult{
        ChunkIndex:  index,
        Mode:        ModeRetry,
        SentCount:   len(succeeded),
        FailedCount: failed,
        CompletedAt: at,
    })
    p.LastRetryAt = &at
    p.ProcessedChunks = append(p.ProcessedChunks, ProcessedChunk{
        Token:       token,
        Mode:        ModeRetry,
        Stage:       p.CurrentRetryStage,
        SentCount:   len(succeeded),
        FailedCount: failed,
    })
}

// RemoveFailed drops the given addresses from FailedEmails and returns how
// many were actually present.
func (p *SendingProgress) RemoveFailed(emails ...string) int {
    drop := make(map[string]struct{}, len(emails))
    for _, e := range emails {
        drop[e] = struct{}{}
    }
    kept := p.FailedEmails[:0]
    removed := 0
    for _, e := range p.FailedEmails {
        if _, ok := drop[e]; ok {
            removed++
            continue
        }
        kept = append(kept, e)
    }
    p.FailedEmails = kept
    return removed
}

// IsFailed reports whether email is still waiting for a successful send.
func (p *SendingProgress) IsFailed(email string) bool {
    for _, e := range p.FailedEmails {
        if e == email {
            return true
        }
    }
    return false
}

func (p *SendingProgress) IsTargeted(email string) bool {
    if len(p.Recipients) == 0 {
        return true
    }
    for _, e := range p.Recipients {
        if e == email {
            return true
        }
    }
    return false
}

// PlannedChunk returns the addresses planned for chunk index. It reports
// false for progress written without a recipient list.
func (p *SendingProgress) PlannedChunk(index int) ([]string, bool) {
    if len(p.Recipients) == 0 || p.ChunkSize <= 0 || index < 0 {
        return nil, false
    }
    start := index * p.ChunkSize
    if start >= len(p.Recipients) {
        return nil, false
    }
    end := start + p.ChunkSize
    if end > len(p.Recipients) {
        end = len(p.Recipients)
    }
    return append([]string(nil), p.Recipients[start:end]...), true
}

// CompletedChunk returns the first-pass result recorded for index.
func (p *SendingProgress) CompletedChunk(index int) (ChunkResult, bool) {
    for _, c := range p.ChunkResults {
        if c.ChunkIndex == index && c.Mode == ModeInitial {
            return c, true
        }
    }
    return ChunkResult{}, false
}

// CurrentRetryChunkSize returns the chunk size of the active retry stage, or
// false once every stage has been used up.
func (p *SendingProgress) CurrentRetryChunkSize() (int, bool) {
    if p.CurrentRetryStage < 0 || p.CurrentRetryStage >= len(p.RetryChunkSizes) {
        return 0, false
    }
    return p.RetryChunkSizes[p.CurrentRetryStage], true
}

func (p *SendingProgress) StagesExhausted() bool {
    return p.CurrentRetryStage >= len(p.RetryChunkSizes)
}

func appendUnique(dst []string, values ...string) []string {
    seen := make(map[string]struct{}, len(dst))
    for _, v := range dst {
        seen[v] = struct{}{}
    }
    for _, v := range values {
        if _, ok := seen[v]; ok {
            continue
        }
        seen[v] = struct{}{}
        dst = append(dst, v)
    }
    return dst
}
