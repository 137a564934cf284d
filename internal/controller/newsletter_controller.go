// internal/controller/newsletter_controller.go
package controller

import (
    "encoding/json"
    "errors"
    "net/http"
    "strconv"

    "github.com/go-chi/chi/v5"

    appErrors "github.com/unclebandit/newsletter-backend/internal/errors"
    "github.com/unclebandit/newsletter-backend/internal/logger"
    "github.com/unclebandit/newsletter-backend/internal/model"
    "github.com/unclebandit/newsletter-backend/internal/service"
)

type NewsletterController struct {
    Newsletters *service.NewsletterService
    Settings    *service.SettingsService
}

type errorBody struct {
    Error string `json:"error"`
    Type  string `json:"type"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
    w.Header().Set("Content-Type", "application/json")
    w.WriteHeader(status)
    if err := json.NewEncoder(w).Encode(v); err != nil {
        logger.For("http").Warn().Err(err).Msg("failed to encode response")
    }
}

// writeError maps service errors to HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
    var ve *appErrors.ValidationError
    switch {
    case errors.As(err, &ve):
        writeJSON(w, http.StatusBadRequest, errorBody{Error: ve.Error(), Type: appErrors.TypeValidation})
    case appErrors.IsNotFound(err):
        writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error(), Type: appErrors.TypeNotFound})
    case errors.Is(err, appErrors.ErrInvalidState):
        writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error(), Type: appErrors.TypeInvalidState})
    default:
        logger.For("http").Error().Err(err).Msg("request failed")
        writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal server error", Type: appErrors.TypeInternal})
    }
}

func decode(r *http.Request, v any) error {
    if err := json.NewDecoder(r.Body).Decode(v); err != nil {
        return appErrors.NewValidationError("body", "invalid request body")
    }
    return nil
}

func (c *NewsletterController) Send(w http.ResponseWriter, r *http.Request) {
    var body service.SendRequest
    if err := decode(r, &body); err != nil {
        writeError(w, err)
        return
    }

    plan, err := c.Newsletters.Send(r.Context(), body)
    if err != nil {
        writeError(w, err)
        return
    }
    writeJSON(w, http.StatusOK, plan)
}

func (c *NewsletterController) SendChunk(w http.ResponseWriter, r *http.Request) {
    var body service.ChunkRequest
    if err := decode(r, &body); err != nil {
        writeError(w, err)
        return
    }

    out, err := c.Newsletters.SendChunk(r.Context(), body)
    if err != nil {
        writeError(w, err)
        return
    }
    writeJSON(w, http.StatusOK, out)
}

func (c *NewsletterController) RetryChunk(w http.ResponseWriter, r *http.Request) {
    var body service.ChunkRequest
    if err := decode(r, &body); err != nil {
        writeError(w, err)
        return
    }

    out, err := c.Newsletters.RetryChunk(r.Context(), body)
    if err != nil {
        writeError(w, err)
        return
    }
    writeJSON(w, http.StatusOK, out)
}

// SendStatus answers 400 for an unknown newsletter and 500 with a zeroed
// snapshot when the stored progress is unreadable.
func (c *NewsletterController) SendStatus(w http.ResponseWriter, r *http.Request) {
    id := chi.URLParam(r, "id")

    snap, err := c.Newsletters.Status(r.Context(), id)
    switch {
    case err == nil:
        writeJSON(w, http.StatusOK, snap)
    case errors.Is(err, model.ErrCorruptedProgress) && snap != nil:
        writeJSON(w, http.StatusInternalServerError, struct {
            *service.StatusSnapshot
            Error string `json:"error"`
            Type  string `json:"type"`
        }{snap, "failed to read sending progress", appErrors.TypeInternal})
    case appErrors.IsNotFound(err):
        writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error(), Type: appErrors.TypeNotFound})
    default:
        writeError(w, err)
    }
}

func (c *NewsletterController) RetryPlan(w http.ResponseWriter, r *http.Request) {
    plan, err := c.Newsletters.RetryPlan(r.Context(), chi.URLParam(r, "id"))
    if err != nil {
        writeError(w, err)
        return
    }
    writeJSON(w, http.StatusOK, plan)
}

func (c *NewsletterController) CreateNewsletter(w http.ResponseWriter, r *http.Request) {
    var body struct {
        Subject string `json:"subject"`
        Content string `json:"content"`
    }
    if err := decode(r, &body); err != nil {
        writeError(w, err)
        return
    }

    n, err := c.Newsletters.CreateDraft(r.Context(), body.Subject, body.Content)
    if err != nil {
        writeError(w, err)
        return
    }
    writeJSON(w, http.StatusCreated, n)
}

func (c *NewsletterController) ListNewsletters(w http.ResponseWriter, r *http.Request) {
    page, _ := strconv.Atoi(r.URL.Query().Get("page"))
    pageSize, _ := strconv.Atoi(r.URL.Query().Get("page_size"))
    status := r.URL.Query().Get("status")

    newsletters, pagination, err := c.Newsletters.ListNewsletters(r.Context(), page, pageSize, status)
    if err != nil {
        writeError(w, err)
        return
    }

    writeJSON(w, http.StatusOK, map[string]interface{}{
        "data":       newsletters,
        "pagination": pagination,
    })
}

func (c *NewsletterController) GetNewsletter(w http.ResponseWriter, r *http.Request) {
    n, err := c.Newsletters.GetNewsletter(r.Context(), chi.URLParam(r, "id"))
    if err != nil {
        writeError(w, err)
        return
    }
    writeJSON(w, http.StatusOK, n)
}

func (c *NewsletterController) GetSettings(w http.ResponseWriter, r *http.Request) {
    s, err := c.Settings.Get(r.Context())
    if err != nil {
        writeError(w, err)
        return
    }
    writeJSON(w, http.StatusOK, s)
}

func (c *NewsletterController) UpdateSettings(w http.ResponseWriter, r *http.Request) {
    var body model.NewsletterSettings
    if err := decode(r, &body); err != nil {
        writeError(w, err)
        return
    }

    s, err := c.Settings.Update(r.Context(), body)
    if err != nil {
        writeError(w, err)
        return
    }
    writeJSON(w, http.StatusOK, s)
}
