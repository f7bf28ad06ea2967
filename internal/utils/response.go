package utils

import (
	"encoding/json"
	"net/http"

	"CapIot.lorawan/internal/logging"
	"CapIot.lorawan/internal/models"
)

// RespondWithError sends a JSON error response using the APIError model.
func RespondWithError(writer http.ResponseWriter, apiErr models.APIError) {
	RespondWithJSON(writer, apiErr.StatusCode, apiErr)
}

// RespondWithJSON sends a JSON response. A nil payload is encoded as null.
func RespondWithJSON(writer http.ResponseWriter, statusCode int, payload interface{}) {
	body, err := json.Marshal(payload)
	if err != nil {
		logging.Error().Err(err).Msg("failed to encode JSON response")
		http.Error(writer, "Failed to send JSON response", http.StatusInternalServerError)
		return
	}
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(statusCode)
	if _, err := writer.Write(body); err != nil {
		logging.Debug().Err(err).Msg("failed to write JSON response")
	}
}
