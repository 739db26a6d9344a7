package api

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"ticketing/internal/collaborator"
	"ticketing/internal/credential"
	"ticketing/internal/settlement"
	"ticketing/internal/storage"
)

type apiError struct {
	status int
	code   string
}

// classify maps an error to a status and a machine-checkable code. The
// order matters: authorization failures wrap the error that caused them.
func classify(err error) apiError {
	switch {
	case errors.Is(err, credential.ErrVerificationFailed):
		return apiError{http.StatusForbidden, "VERIFICATION_FAILED"}
	case errors.Is(err, credential.ErrNoMasterCredential):
		return apiError{http.StatusConflict, "MASTER_CREDENTIAL_REQUIRED"}
	case errors.Is(err, storage.ErrUserNotFound):
		return apiError{http.StatusNotFound, "USER_NOT_FOUND"}
	case errors.Is(err, credential.ErrNotAuthorized):
		return apiError{http.StatusForbidden, "NOT_AUTHORIZED"}
	case errors.Is(err, storage.ErrUserExists):
		return apiError{http.StatusConflict, "USER_EXISTS"}
	case errors.Is(err, settlement.ErrMalformedTransaction):
		return apiError{http.StatusBadRequest, "INVALID_TRANSACTION"}
	case errors.Is(err, settlement.ErrBatchInProgress):
		return apiError{http.StatusConflict, "BATCH_IN_PROGRESS"}
	case errors.Is(err, settlement.ErrLeaseLost):
		return apiError{http.StatusConflict, "LEASE_LOST"}
	case errors.Is(err, settlement.ErrKeyCollision):
		return apiError{http.StatusServiceUnavailable, "KEY_COLLISION"}
	}

	switch collaborator.KindOf(err) {
	case collaborator.KindUnavailable:
		return apiError{http.StatusBadGateway, "COLLABORATOR_UNAVAILABLE"}
	case collaborator.KindMalformed:
		return apiError{http.StatusBadGateway, "MALFORMED_RESPONSE"}
	case collaborator.KindRejected:
		return apiError{http.StatusUnprocessableEntity, "REJECTED"}
	case collaborator.KindTimeout:
		return apiError{http.StatusGatewayTimeout, "COLLABORATOR_TIMEOUT"}
	}

	return apiError{http.StatusInternalServerError, "INTERNAL"}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	e := classify(err)
	if e.status >= http.StatusInternalServerError {
		s.log.Error("request failed", zap.String("path", r.URL.Path), zap.String("code", e.code), zap.Error(err))
	} else {
		s.log.Debug("request refused", zap.String("path", r.URL.Path), zap.String("code", e.code), zap.Error(err))
	}
	writeError(w, r, e.status, e.code, err.Error())
}

func badRequest(w http.ResponseWriter, r *http.Request, reason string) {
	writeError(w, r, http.StatusBadRequest, "BAD_REQUEST", reason)
}
