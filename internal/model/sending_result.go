// internal/model/sending_result.go
package model

import "time"

type EmailResult struct {
    Email   string `json:"email"`
    Success bool   `json:"success"`
    Error   string `json:"error,omitempty"`
}

type ChunkSendResult struct {
    SentCount   int           `json:"sentCount"`
    FailedCount int           `json:"failedCount"`
    CompletedAt time.Time     `json:"completedAt"`
    Results     []EmailResult `json:"results"`
}

// Succeeded returns the addresses that were delivered, in result order.
func (r *ChunkSendResult) Succeeded() []string {
    out := []string{}
    for _, res := range r.Results {
        if res.Success {
            out = append(out, res.Email)
        }
    }
    return out
}

func (r *ChunkSendResult) Failed() []string {
    out := []string{}
    for _, res := range r.Results {
        if !res.Success {
            out = append(out, res.Email)
        }
    }
    return out
}
