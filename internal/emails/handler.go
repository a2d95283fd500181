package emails

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/okutsev/sendlater/internal/domain"
	"github.com/okutsev/sendlater/internal/pkg/httputil"
	"github.com/okutsev/sendlater/internal/queue"
	"github.com/okutsev/sendlater/internal/ratelimit"
	"github.com/okutsev/sendlater/internal/senders"
)

var errorMappings = []httputil.ErrorMapping{
	{Error: ErrEmailNotFound, Status: http.StatusNotFound, Message: "email not found"},
	{Error: ErrSenderInactive, Status: http.StatusBadRequest, Message: "sender is not active"},
	{Error: ErrAlreadySent, Status: http.StatusConflict, Message: "cannot cancel an already sent email"},
	{Error: ErrAlreadyCancelled, Status: http.StatusConflict, Message: "email already cancelled"},
	{Error: senders.ErrSenderNotFound, Status: http.StatusBadRequest, Message: "sender not found"},
	{Error: ratelimit.ErrUnknownSender, Status: http.StatusNotFound, Message: "sender not found"},
}

// RateLimitReporter reports current hourly usage for a sender or, with an
// empty id, for the whole system.
type RateLimitReporter interface {
	Usage(ctx context.Context, senderID string) (ratelimit.Usage, error)
}

// Handler handles HTTP requests for the emails module.
type Handler struct {
	service   *Service
	limits    RateLimitReporter
	validator *validator.Validate
}

// NewHandler creates a new emails handler.
func NewHandler(service *Service, limits RateLimitReporter) *Handler {
	return &Handler{
		service:   service,
		limits:    limits,
		validator: validator.New(),
	}
}

// RegisterRoutes registers email routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/emails", func(r chi.Router) {
		r.Post("/schedule", h.ScheduleEmail)
		r.Get("/", h.ListEmails)
		r.Get("/stats", h.Stats)
		r.Get("/rate-limits", h.RateLimits)
		r.Get("/{id}", h.GetEmail)
		r.Delete("/{id}", h.CancelEmail)
	})
}

// ScheduleEmailRequest represents request body for scheduling an email.
type ScheduleEmailRequest struct {
	SenderID       string    `json:"sender_id" validate:"required,uuid4"`
	RecipientEmail string    `json:"recipient_email" validate:"required,email"`
	RecipientName  string    `json:"recipient_name" validate:"omitempty,max=200"`
	Subject        string    `json:"subject" validate:"required,max=500"`
	Body           string    `json:"body" validate:"required"`
	ScheduledAt    time.Time `json:"scheduled_at" validate:"required"`
}

// ScheduleEmailResponse wraps a scheduled email record.
type ScheduleEmailResponse struct {
	Email     *domain.Email `json:"email"`
	Duplicate bool          `json:"duplicate"`
}

// EmailResponse pairs an email record with its live job state.
type EmailResponse struct {
	Email    *domain.Email `json:"email"`
	JobState queue.State   `json:"job_state"`
}

// ListEmailsResponse is a page of email records.
type ListEmailsResponse struct {
	Emails []domain.Email `json:"emails"`
	Total  int64          `json:"total"`
	Limit  int            `json:"limit"`
	Offset int            `json:"offset"`
}

// ScheduleEmail handles POST /emails/schedule.
func (h *Handler) ScheduleEmail(w http.ResponseWriter, r *http.Request) {
	var req ScheduleEmailRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	email, created, err := h.service.ScheduleEmail(r.Context(), ScheduleInput{
		SenderID:       req.SenderID,
		RecipientEmail: req.RecipientEmail,
		RecipientName:  req.RecipientName,
		Subject:        req.Subject,
		Body:           req.Body,
		ScheduledAt:    req.ScheduledAt.UTC(),
	})
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	status := http.StatusCreated
	if !created {
		status = http.StatusOK
	}

	httputil.Success(w, status, ScheduleEmailResponse{Email: email, Duplicate: !created})
}

// ListEmails handles GET /emails.
func (h *Handler) ListEmails(w http.ResponseWriter, r *http.Request) {
	filter := ListFilter{
		Status:   domain.EmailStatus(r.URL.Query().Get("status")),
		SenderID: r.URL.Query().Get("sender_id"),
	}
	filter.Limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	filter.Offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))

	list, total, err := h.service.ListEmails(r.Context(), filter)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, ListEmailsResponse{
		Emails: list,
		Total:  total,
		Limit:  filter.Limit,
		Offset: filter.Offset,
	})
}

// GetEmail handles GET /emails/{id}.
func (h *Handler) GetEmail(w http.ResponseWriter, r *http.Request) {
	state, err := h.service.GetEmail(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, EmailResponse{Email: state.Email, JobState: state.JobState})
}

// CancelEmail handles DELETE /emails/{id}.
func (h *Handler) CancelEmail(w http.ResponseWriter, r *http.Request) {
	email, err := h.service.CancelEmail(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, email)
}

// Stats handles GET /emails/stats.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	counts, err := h.service.Stats(r.Context(), r.URL.Query().Get("sender_id"))
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, counts)
}

// RateLimits handles GET /emails/rate-limits.
func (h *Handler) RateLimits(w http.ResponseWriter, r *http.Request) {
	usage, err := h.limits.Usage(r.Context(), r.URL.Query().Get("sender_id"))
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, usage)
}
