package handlers

import (
	"encoding/json"
	"net/http"
)

// WriteJSON encodes data as the response body with a JSON content type.
// A 200 status is left to the implicit WriteHeader so later encoding
// errors can still surface; anything else is written explicitly.
func WriteJSON(w http.ResponseWriter, status int, data any) error {
	w.Header().Set("Content-Type", "application/json")
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	return json.NewEncoder(w).Encode(data)
}
