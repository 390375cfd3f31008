package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
)

type contextKey string

const (
	contextSubjectKey contextKey = "sub"
	contextRoleKey    contextKey = "role"
	contextTokenIDKey contextKey = "jti"
)

// ErrorResponse is a simple error payload.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Healthz reports liveness.
func Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func userIDFromContext(ctx context.Context) (int, error) {
	value := ctx.Value(contextSubjectKey)
	subject, ok := value.(string)
	if !ok {
		return 0, errors.New("missing subject")
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(subject))
	if err != nil || parsed < 1 {
		return 0, errors.New("invalid subject")
	}
	return parsed, nil
}

func roleFromContext(ctx context.Context) (string, error) {
	role, ok := ctx.Value(contextRoleKey).(string)
	if !ok || role == "" {
		return "", errors.New("missing role")
	}
	return role, nil
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(value)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Error: message})
}

func bearerToken(r *http.Request) (string, error) {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if auth == "" {
		return "", errors.New("missing authorization")
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("invalid authorization")
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", errors.New("invalid authorization")
	}
	return token, nil
}
