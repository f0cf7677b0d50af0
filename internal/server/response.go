package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/me/kiln/internal/scheduler"
	"github.com/me/kiln/pkg/model"
)

// requestID generates a unique request identifier.
func requestID() string {
	return "req_" + uuid.New().String()[:8]
}

// respondOK writes a success response with the standard envelope.
func respondOK(w http.ResponseWriter, reqID string, data any) {
	respondJSON(w, http.StatusOK, reqID, data, nil, nil)
}

// respondCreated writes a 201 response with the standard envelope.
func respondCreated(w http.ResponseWriter, reqID string, data any) {
	respondJSON(w, http.StatusCreated, reqID, data, nil, nil)
}

// respondList writes a success response with pagination.
func respondList(w http.ResponseWriter, reqID string, data any, pg *model.Pagination) {
	respondJSON(w, http.StatusOK, reqID, data, pg, nil)
}

// respondError writes an error response with the standard envelope.
func respondError(w http.ResponseWriter, reqID string, status int, apiErr *model.APIError) {
	respondJSON(w, status, reqID, nil, nil, apiErr)
}

// respondErr maps a scheduler or registry error to a status code and writes it.
func respondErr(w http.ResponseWriter, reqID, resource, id string, err error) {
	status, apiErr := errorResponse(resource, id, err)
	respondError(w, reqID, status, apiErr)
}

func errorResponse(resource, id string, err error) (int, *model.APIError) {
	var transition *model.InvalidTransitionError
	switch {
	case errors.Is(err, errJobUnknown), errors.Is(err, scheduler.ErrJobNotFound) && resource == "job":
		return http.StatusNotFound, model.NewNotFoundError(resource, id)
	case errors.Is(err, scheduler.ErrWorkerNotFound):
		return http.StatusNotFound, model.NewNotFoundError("worker", id)
	case errors.Is(err, errJobReleased), errors.Is(err, errJobExpired), errors.Is(err, scheduler.ErrReleased):
		return http.StatusGone, model.NewGoneError(resource, id)
	case errors.Is(err, scheduler.ErrStaleAssignment), errors.Is(err, scheduler.ErrJobNotFound):
		return http.StatusConflict, model.NewConflictError("assignment for " + resource + " '" + id + "' is no longer held by this worker")
	case errors.As(err, &transition):
		return http.StatusConflict, model.NewConflictError(transition.Error())
	case errors.Is(err, scheduler.ErrInvalidOffset):
		return http.StatusBadRequest, model.NewValidationError(err.Error(), model.FieldError{Field: "offset", Message: "offset is past the end of the log"})
	case errors.Is(err, scheduler.ErrEmptyDescriptor):
		return http.StatusBadRequest, model.NewValidationError("missing required field", model.FieldError{Field: "descriptor", Message: "descriptor is required"})
	case errors.Is(err, scheduler.ErrInvalidCapacity):
		return http.StatusBadRequest, model.NewValidationError("invalid capacity", model.FieldError{Field: "capacity", Message: "capacity must be at least 1"})
	case errors.Is(err, scheduler.ErrSchedulerClosed):
		return http.StatusServiceUnavailable, model.NewInternalError(err.Error())
	default:
		return http.StatusInternalServerError, model.NewInternalError(err.Error())
	}
}

func respondJSON(w http.ResponseWriter, status int, reqID string, data any, pg *model.Pagination, apiErr *model.APIError) {
	resp := model.Response{
		RequestID:  reqID,
		Timestamp:  time.Now().UTC(),
		Data:       data,
		Pagination: pg,
		Error:      apiErr,
	}
	if apiErr != nil {
		resp.Status = "error"
	} else {
		resp.Status = "ok"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}
