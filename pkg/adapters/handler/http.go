package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"github.com/wadjakorntonsri/linkshort/pkg/core/domain"
	"github.com/wadjakorntonsri/linkshort/pkg/core/shortcode"
	"github.com/wadjakorntonsri/linkshort/pkg/ports"
)

const maxBodyBytes = 1 << 20

type HTTPHandler struct {
	service  ports.LinkService
	validate *validator.Validate
	log      logrus.FieldLogger
}

func NewHTTPHandler(service ports.LinkService, logger logrus.FieldLogger) *HTTPHandler {
	return &HTTPHandler{
		service:  service,
		validate: newValidator(),
		log:      logger.WithField("component", "http"),
	}
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("alias", func(fl validator.FieldLevel) bool {
		return shortcode.Valid(fl.Field().String())
	})
	return v
}

// CreateLinkRequest payload
type CreateLinkRequest struct {
	OriginalURL string     `json:"original_url" validate:"required,http_url"`
	CustomAlias *string    `json:"custom_alias,omitempty" validate:"omitempty,alias"`
	ExpiresAt   *ExpiresAt `json:"expires_at,omitempty"`
}

// ExpiresAt decodes RFC 3339 timestamps as well as timestamps and dates
// without a zone offset, which are taken as UTC.
type ExpiresAt struct {
	time.Time
}

var zonelessLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02",
}

func (e *ExpiresAt) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("expires_at must be a string: %w", err)
	}
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		e.Time = t
		return nil
	}
	for _, layout := range zonelessLayouts {
		// time.Parse yields UTC when the layout has no zone.
		if t, err := time.Parse(layout, raw); err == nil {
			e.Time = t
			return nil
		}
	}
	return fmt.Errorf("expires_at %q is not a supported timestamp", raw)
}

// UpdateLinkRequest payload
type UpdateLinkRequest struct {
	OriginalURL string `json:"original_url" validate:"required,http_url"`
}

type SearchRequest struct {
	OriginalURL string `validate:"required"`
}

type CreateLinkResponse struct {
	ShortCode string `json:"short_code"`
}

type MessageResponse struct {
	Message string `json:"message"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

// Create Link
func (h *HTTPHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateLinkRequest
	if !h.decode(w, r, &req) {
		return
	}

	var expiresAt *time.Time
	if req.ExpiresAt != nil {
		expiresAt = &req.ExpiresAt.Time
	}

	code, err := h.service.Create(r.Context(), req.OriginalURL, req.CustomAlias, expiresAt)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, CreateLinkResponse{ShortCode: code})
}

// Redirect to original URL. With ?no_stat set the access is not recorded.
func (h *HTTPHandler) Redirect(w http.ResponseWriter, r *http.Request) {
	code := r.PathValue("code")

	if r.URL.Query().Get("no_stat") != "" {
		originalURL, err := h.service.Peek(r.Context(), code)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		http.Redirect(w, r, originalURL, http.StatusTemporaryRedirect)
		return
	}

	link, err := h.service.Resolve(r.Context(), code)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	http.Redirect(w, r, link.OriginalURL, http.StatusTemporaryRedirect)
}

// Update Link
func (h *HTTPHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req UpdateLinkRequest
	if !h.decode(w, r, &req) {
		return
	}

	if err := h.service.UpdateURL(r.Context(), r.PathValue("code"), req.OriginalURL); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, MessageResponse{Message: "Link updated"})
}

// Delete Link. Unknown codes succeed as well.
func (h *HTTPHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Delete(r.Context(), r.PathValue("code")); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, MessageResponse{Message: "Link deleted"})
}

// Get Stats for a Link
func (h *HTTPHandler) Stats(w http.ResponseWriter, r *http.Request) {
	snapshot, err := h.service.Stats(r.Context(), r.PathValue("code"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(snapshot)
}

// Search links by original URL substring
func (h *HTTPHandler) Search(w http.ResponseWriter, r *http.Request) {
	req := SearchRequest{OriginalURL: r.URL.Query().Get("original_url")}
	if err := h.validate.Struct(req); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{Error: "original_url query parameter is required"})
		return
	}

	links, err := h.service.FindByURLSubstring(r.Context(), req.OriginalURL)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, links)
}

func (h *HTTPHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, MessageResponse{Message: "ok"})
}

// decode reads and validates a JSON body, answering 422 itself on failure.
func (h *HTTPHandler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{Error: "Invalid request body"})
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{Error: validationMessage(err)})
		return false
	}
	return true
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err.Error()
	}
	switch fe := verrs[0]; fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "http_url":
		return fe.Field() + " must be an absolute http(s) URL"
	case "alias":
		return fe.Field() + " must be 1-32 characters of letters, digits, '-' or '_'"
	default:
		return fe.Field() + " is invalid"
	}
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrExhausted), errors.Is(err, domain.ErrTransientStorage):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	switch status {
	case http.StatusNotFound:
		msg = "Link not found"
	case http.StatusServiceUnavailable:
		h.log.WithError(err).WithField("request_id", RequestIDFrom(r.Context())).Warn("request failed, service unavailable")
		msg = "Service temporarily unavailable"
	case http.StatusInternalServerError:
		h.log.WithError(err).WithField("request_id", RequestIDFrom(r.Context())).Error("request failed")
		msg = "Internal server error"
	}
	writeJSON(w, status, ErrorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
