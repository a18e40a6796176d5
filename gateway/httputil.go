package gateway

import (
	"encoding/json"
	"net/http"
)

// SendJSONError writes a pre-stream rejection body in the same
// {message, details} shape error frames use in-stream, so clients parse one
// format everywhere.
func SendJSONError(w http.ResponseWriter, code int, message string, details map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	body := map[string]any{"message": message}
	if details != nil {
		body["details"] = details
	}
	data, err := json.Marshal(body)
	if err != nil {
		return
	}
	w.Write(data)
}
