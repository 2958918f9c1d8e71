package handlers

import (
	"net/http"
)

// VerifyToken reports the subject of a valid token. It sits behind
// AuthMiddleware, so reaching it means the token is valid.
func VerifyToken(w http.ResponseWriter, r *http.Request) {
	subject, ok := Subject(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "user not found")
		return
	}

	writeJSON(w, http.StatusOK, envelope{
		StatusCode: http.StatusOK,
		Message:    "valid",
		Data:       map[string]string{"subject": subject},
	})
}
