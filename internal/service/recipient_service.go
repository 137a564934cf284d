// internal/service/recipient_service.go
package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	appErrors "github.com/unclebandit/newsletter-backend/internal/errors"
	"github.com/unclebandit/newsletter-backend/internal/logger"
	"github.com/unclebandit/newsletter-backend/internal/mail"
	"github.com/unclebandit/newsletter-backend/internal/repository"
)

type RecipientListResult struct {
	ValidEmails   []string `json:"validEmails"`
	InvalidEmails []string `json:"invalidEmails"`
	HashedEmails  []string `json:"hashedEmails"`
	Valid         int      `json:"valid"`
	Invalid       int      `json:"invalid"`
	New           int      `json:"new"`
	Existing      int      `json:"existing"`
	Duplicates    int      `json:"duplicates"`
}

type RecipientService struct {
	// Repo may be nil, every address then counts as new.
	Repo repository.HashedRecipientRepositoryInterface
}

// HashEmail returns the hex SHA-256 of the normalized address.
func HashEmail(email string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(email))))
	return hex.EncodeToString(sum[:])
}

func splitRecipients(raw string) []string {
	return strings.FieldsFunc(raw, func(r rune) bool {
		return r == '\n' || r == '\r' || r == ',' || r == ';'
	})
}

// ProcessRecipientList parses a pasted recipient list. Individually invalid
// addresses are reported, only an empty list is an error.
func (s *RecipientService) ProcessRecipientList(ctx context.Context, rawText string) (*RecipientListResult, error) {
	if strings.TrimSpace(rawText) == "" {
		return nil, appErrors.NewValidationError("emailText", "recipient list is empty")
	}
	l := logger.For("recipient-processor")

	res := &RecipientListResult{
		ValidEmails:   []string{},
		InvalidEmails: []string{},
		HashedEmails:  []string{},
	}
	seen := map[string]struct{}{}

	for _, candidate := range splitRecipients(rawText) {
		trimmed := strings.TrimSpace(candidate)
		if trimmed == "" {
			continue
		}
		email := mail.CleanEmail(trimmed)
		if !mail.ValidateEmail(email) {
			res.InvalidEmails = append(res.InvalidEmails, trimmed)
			continue
		}
		if _, dup := seen[email]; dup {
			res.Duplicates++
			continue
		}
		seen[email] = struct{}{}
		res.ValidEmails = append(res.ValidEmails, email)
		res.HashedEmails = append(res.HashedEmails, HashEmail(email))
	}
	res.Valid = len(res.ValidEmails)
	res.Invalid = len(res.InvalidEmails)

	if s.Repo == nil {
		res.New = res.Valid
		return res, nil
	}

	existing, err := s.Repo.FindExisting(ctx, res.HashedEmails)
	if err != nil {
		return nil, fmt.Errorf("failed to look up hashed recipients: %w", err)
	}
	for _, h := range res.HashedEmails {
		if existing[h] {
			res.Existing++
		} else {
			res.New++
		}
	}
	if err := s.Repo.Record(ctx, res.HashedEmails); err != nil {
		return nil, fmt.Errorf("failed to record hashed recipients: %w", err)
	}

	l.Info().
		Int("valid", res.Valid).
		Int("invalid", res.Invalid).
		Int("new", res.New).
		Int("existing", res.Existing).
		Int("duplicates", res.Duplicates).
		Msg("recipient list processed")
	return res, nil
}
