/**
 * @description
 * This file contains the HTTP handlers for the transfer orchestrator. Handlers parse the
 * request, call the orchestrator or the callback ingress, and write the response envelope.
 * Every error the layers below return is mapped onto one status code and one error code here.
 *
 * @dependencies
 * - internal/app, internal/ingress: orchestrator operations and callback normalization.
 * - github.com/go-chi/chi/v5: URL parameters.
 */

package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/transfa/transfer-orchestrator/internal/app"
	"github.com/transfa/transfer-orchestrator/internal/domain"
	"github.com/transfa/transfer-orchestrator/internal/ingress"
)

const maxCallbackBodyBytes = 1 << 20

// TransferService is the orchestrator surface the client routes drive.
type TransferService interface {
	StartTransfer(ctx context.Context, req domain.StartTransferRequest) (*domain.Transfer, error)
	RetryCollection(ctx context.Context, reference, otp string) (*domain.Transfer, error)
	Compensate(ctx context.Context, reference string) (*domain.Transfer, error)
	GetTransfer(ctx context.Context, reference string) (*domain.Transfer, error)
	ListTransferEvents(ctx context.Context, reference string) ([]domain.TransferEvent, error)
}

// CallbackIngress accepts raw provider callbacks.
type CallbackIngress interface {
	Handle(ctx context.Context, provider, phase string, body []byte, signature string) (*domain.CallbackResult, error)
	SignatureHeader(provider string) string
}

// TransferHandlers holds the services the handlers use.
type TransferHandlers struct {
	service   TransferService
	callbacks CallbackIngress
}

type response struct {
	Success bool       `json:"success"`
	Message string     `json:"message,omitempty"`
	Data    any        `json:"data,omitempty"`
	Error   *errorBody `json:"error,omitempty"`
}

type errorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

type retryRequest struct {
	OTP string `json:"otp"`
}

// NewTransferHandlers creates a new instance of TransferHandlers.
func NewTransferHandlers(service TransferService, callbacks CallbackIngress) *TransferHandlers {
	return &TransferHandlers{service: service, callbacks: callbacks}
}

// StartTransferHandler handles POST /transfers.
func (h *TransferHandlers) StartTransferHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.StartTransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "validation_error", "Invalid request body", false)
		return
	}

	transfer, err := h.service.StartTransfer(r.Context(), req)
	if err != nil {
		log.Printf("level=warn component=api endpoint=start_transfer outcome=failed caller=%s err=%v", callerFrom(r.Context()), err)
		h.writeFailure(w, err, transfer)
		return
	}

	log.Printf("level=info component=api endpoint=start_transfer outcome=accepted caller=%s reference=%s status=%s", callerFrom(r.Context()), transfer.Reference, transfer.Status)
	h.writeJSON(w, http.StatusCreated, response{Success: true, Message: "Transfer accepted", Data: transfer.View()})
}

// GetTransferHandler handles GET /transfers/{reference}.
func (h *TransferHandlers) GetTransferHandler(w http.ResponseWriter, r *http.Request) {
	transfer, err := h.service.GetTransfer(r.Context(), chi.URLParam(r, "reference"))
	if err != nil {
		h.writeFailure(w, err, nil)
		return
	}
	h.writeJSON(w, http.StatusOK, response{Success: true, Data: transfer.View()})
}

// ListTransferEventsHandler handles GET /transfers/{reference}/events.
func (h *TransferHandlers) ListTransferEventsHandler(w http.ResponseWriter, r *http.Request) {
	events, err := h.service.ListTransferEvents(r.Context(), chi.URLParam(r, "reference"))
	if err != nil {
		h.writeFailure(w, err, nil)
		return
	}
	if events == nil {
		events = []domain.TransferEvent{}
	}
	h.writeJSON(w, http.StatusOK, response{Success: true, Data: events})
}

// RetryCollectionHandler handles POST /transfers/{reference}/retry. The body is optional.
func (h *TransferHandlers) RetryCollectionHandler(w http.ResponseWriter, r *http.Request) {
	var req retryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.writeError(w, http.StatusBadRequest, "validation_error", "Invalid request body", false)
		return
	}

	reference := chi.URLParam(r, "reference")
	transfer, err := h.service.RetryCollection(r.Context(), reference, req.OTP)
	if err != nil {
		log.Printf("level=warn component=api endpoint=retry_collection outcome=failed caller=%s reference=%s err=%v", callerFrom(r.Context()), reference, err)
		h.writeFailure(w, err, transfer)
		return
	}
	h.writeJSON(w, http.StatusOK, response{Success: true, Message: "Collection re-issued", Data: transfer.View()})
}

// CompensateHandler handles POST /transfers/{reference}/compensate.
func (h *TransferHandlers) CompensateHandler(w http.ResponseWriter, r *http.Request) {
	reference := chi.URLParam(r, "reference")
	transfer, err := h.service.Compensate(r.Context(), reference)
	if err != nil {
		log.Printf("level=warn component=api endpoint=compensate outcome=failed caller=%s reference=%s err=%v", callerFrom(r.Context()), reference, err)
		h.writeFailure(w, err, transfer)
		return
	}
	log.Printf("level=info component=api endpoint=compensate outcome=accepted caller=%s reference=%s status=%s", callerFrom(r.Context()), transfer.Reference, transfer.Status)
	h.writeJSON(w, http.StatusOK, response{Success: true, Message: "Refund requested", Data: transfer.View()})
}

// CallbackHandler handles POST /callbacks/{provider}/{phase}. Every processed outcome,
// duplicates included, is answered with 200 so the provider stops redelivering.
func (h *TransferHandlers) CallbackHandler(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	phase := chi.URLParam(r, "phase")

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxCallbackBodyBytes))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "validation_error", "Unable to read callback body", false)
		return
	}

	signature := r.Header.Get(h.callbacks.SignatureHeader(provider))
	result, err := h.callbacks.Handle(r.Context(), provider, phase, body, signature)
	if err != nil {
		log.Printf("level=warn component=api endpoint=callback outcome=failed provider=%s phase=%s err=%v", provider, phase, err)
		h.writeFailure(w, err, nil)
		return
	}

	message := "Callback processed"
	if result.Duplicate {
		message = "Duplicate callback ignored"
	}
	h.writeJSON(w, http.StatusOK, response{Success: true, Message: message, Data: result})
}

// writeFailure maps an orchestrator or ingress error onto the response envelope. When the
// failed operation still produced a transfer it is returned alongside the error.
func (h *TransferHandlers) writeFailure(w http.ResponseWriter, err error, transfer *domain.Transfer) {
	status, code := classify(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		log.Printf("level=error component=api msg=\"unhandled error\" err=%v", err)
		message = "Internal server error"
	}

	resp := response{
		Success: false,
		Message: message,
		Error:   &errorBody{Code: code, Message: message, Retryable: app.IsRetryable(err)},
	}
	if transfer != nil {
		resp.Data = transfer.View()
	}
	h.writeJSON(w, status, resp)
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, app.ErrValidation), errors.Is(err, ingress.ErrMalformedCallback):
		return http.StatusBadRequest, "validation_error"
	case errors.Is(err, ingress.ErrInvalidSignature):
		return http.StatusUnauthorized, "invalid_signature"
	case errors.Is(err, app.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, ingress.ErrUnknownProvider):
		return http.StatusNotFound, "unknown_provider"
	case errors.Is(err, app.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, app.ErrInvalidState):
		return http.StatusConflict, "invalid_state"
	case errors.Is(err, app.ErrAdapterTransport):
		return http.StatusBadGateway, "adapter_transport_error"
	case errors.Is(err, app.ErrAdapterRejected):
		return http.StatusUnprocessableEntity, "adapter_rejected"
	case errors.Is(err, app.ErrUnrecognizedOutcome):
		return http.StatusUnprocessableEntity, "unrecognized_outcome"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// writeJSON is a helper for writing JSON responses.
func (h *TransferHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func (h *TransferHandlers) writeError(w http.ResponseWriter, status int, code, message string, retryable bool) {
	h.writeJSON(w, status, response{
		Success: false,
		Message: message,
		Error:   &errorBody{Code: code, Message: message, Retryable: retryable},
	})
}

func callerFrom(ctx context.Context) string {
	caller, ok := GetCaller(ctx)
	if !ok || strings.TrimSpace(caller) == "" {
		return "anonymous"
	}
	return caller
}
