package senders

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/okutsev/sendlater/internal/pkg/httputil"
)

var errorMappings = []httputil.ErrorMapping{
	{Error: ErrSenderNotFound, Status: http.StatusNotFound, Message: "sender not found"},
	{Error: ErrSenderEmailExists, Status: http.StatusConflict, Message: "sender with this email already exists"},
	{Error: ErrBadCredentials, Status: http.StatusBadRequest, Message: "invalid SMTP credentials"},
}

// Handler handles HTTP requests for the senders module.
type Handler struct {
	service   *Service
	validator *validator.Validate
}

// NewHandler creates a new senders handler.
func NewHandler(service *Service) *Handler {
	return &Handler{
		service:   service,
		validator: validator.New(),
	}
}

// RegisterRoutes registers sender routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/senders", func(r chi.Router) {
		r.Post("/", h.CreateSender)
		r.Get("/", h.ListSenders)
		r.Get("/{id}", h.GetSender)
		r.Patch("/{id}", h.UpdateSender)
		r.Delete("/{id}", h.DeleteSender)
	})
}

// CreateSenderRequest represents request body for creating a sender.
type CreateSenderRequest struct {
	Name      string `json:"name" validate:"required,max=200"`
	Email     string `json:"email" validate:"required,email"`
	SMTPUser  string `json:"smtp_user" validate:"required"`
	SMTPPass  string `json:"smtp_pass" validate:"required"`
	RateLimit int    `json:"rate_limit" validate:"omitempty,min=1,max=10000"`
}

// UpdateSenderRequest represents request body for updating a sender.
type UpdateSenderRequest struct {
	Name      *string `json:"name" validate:"omitempty,max=200"`
	RateLimit *int    `json:"rate_limit" validate:"omitempty,min=1,max=10000"`
	IsActive  *bool   `json:"is_active"`
}

// CreateSender handles POST /senders.
func (h *Handler) CreateSender(w http.ResponseWriter, r *http.Request) {
	var req CreateSenderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	sender, err := h.service.CreateSender(r.Context(), CreateInput{
		Name:      req.Name,
		Email:     req.Email,
		SMTPUser:  req.SMTPUser,
		SMTPPass:  req.SMTPPass,
		RateLimit: req.RateLimit,
	})
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusCreated, sender)
}

// ListSenders handles GET /senders.
func (h *Handler) ListSenders(w http.ResponseWriter, r *http.Request) {
	list, err := h.service.ListSenders(r.Context())
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, list)
}

// GetSender handles GET /senders/{id}.
func (h *Handler) GetSender(w http.ResponseWriter, r *http.Request) {
	sender, err := h.service.GetSender(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, sender)
}

// UpdateSender handles PATCH /senders/{id}.
func (h *Handler) UpdateSender(w http.ResponseWriter, r *http.Request) {
	var req UpdateSenderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	sender, err := h.service.UpdateSender(r.Context(), chi.URLParam(r, "id"), UpdateInput{
		Name:      req.Name,
		RateLimit: req.RateLimit,
		IsActive:  req.IsActive,
	})
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, sender)
}

// DeleteSender handles DELETE /senders/{id}.
func (h *Handler) DeleteSender(w http.ResponseWriter, r *http.Request) {
	if err := h.service.DeleteSender(r.Context(), chi.URLParam(r, "id")); err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.JSON(w, http.StatusNoContent, nil)
}
