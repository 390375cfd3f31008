package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/olymprep/authserver/internal/audit"
	"github.com/olymprep/authserver/internal/services"
	"github.com/olymprep/authserver/internal/session"
	"github.com/olymprep/authserver/internal/store"
	"github.com/olymprep/authserver/internal/token"
	"github.com/olymprep/authserver/types"
	"golang.org/x/crypto/bcrypt"
)

// sessionTokenPrefix marks bearer strings belonging to the cache-backed
// session class; everything else is treated as a signed token.
const sessionTokenPrefix = "sess_"

// AuthHandler provides the authentication and authorization endpoints.
type AuthHandler struct {
	userService *services.UserService
	issuer      *token.Issuer
	sessions    *session.Store // nil disables the session class and the denylist
	recorder    *audit.Recorder
}

// NewAuthHandler constructs an AuthHandler with the provided dependencies.
func NewAuthHandler(userService *services.UserService, issuer *token.Issuer, sessions *session.Store, recorder *audit.Recorder) *AuthHandler {
	return &AuthHandler{
		userService: userService,
		issuer:      issuer,
		sessions:    sessions,
		recorder:    recorder,
	}
}

// AuthRouter registers token-introspection routes on the given router.
func AuthRouter(r chi.Router, h *AuthHandler) {
	r.Post("/validate-token", h.ValidateToken)
	r.Post("/role", h.Role)
	r.Post("/logout", h.Logout)
	r.Post("/bootstrap", h.Bootstrap)
}

// UserRouter registers account routes on the given router.
func UserRouter(r chi.Router, h *AuthHandler) {
	r.Post("/create", h.Register)
	r.Post("/login", h.Login)
	r.With(h.RequireAuth).Get("/me", h.Me)
	r.With(h.RequireAuth, RequireRole(types.RoleAdmin)).Get("/", h.ListUsers)
	r.With(h.RequireAuth, RequireRole(types.RoleAdmin)).Get("/{userID}", h.GetUser)
}

// RequireAuth enforces bearer authentication and injects the subject, role
// and token id into the request context. Every failure mode yields the same
// 401 body so callers cannot probe which check rejected them.
func (h *AuthHandler) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, err := bearerToken(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		subject, role, tokenID, err := h.resolveBearer(r.Context(), raw)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		ctx := context.WithValue(r.Context(), contextSubjectKey, subject)
		ctx = context.WithValue(ctx, contextRoleKey, role)
		ctx = context.WithValue(ctx, contextTokenIDKey, tokenID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireRole gates a route on the authorization tier injected by
// RequireAuth. Admin satisfies every requirement.
func RequireRole(required string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			role, err := roleFromContext(r.Context())
			if err != nil {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			if !types.RoleSatisfies(role, required) {
				writeError(w, http.StatusForbidden, "admin access required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// resolveBearer authenticates either credential class: opaque session ids
// against the session store, signed tokens against the issuer plus the
// revocation denylist.
func (h *AuthHandler) resolveBearer(ctx context.Context, raw string) (subject, role, tokenID string, err error) {
	if id, ok := strings.CutPrefix(raw, sessionTokenPrefix); ok {
		if h.sessions == nil {
			return "", "", "", errors.New("session class not configured")
		}
		rec, err := h.sessions.Lookup(ctx, id)
		if err != nil {
			return "", "", "", err
		}
		return rec.Subject, rec.Role, raw, nil
	}

	claims, err := h.issuer.Validate(raw)
	if err != nil {
		return "", "", "", err
	}
	if h.sessions != nil && claims.ID != "" {
		revoked, err := h.sessions.IsRevoked(ctx, claims.ID)
		if err != nil || revoked {
			return "", "", "", errors.New("token revoked")
		}
	}
	return claims.Subject, claims.Role, claims.ID, nil
}

// Register creates a new user account and returns a user-class token.
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}

	req.Email = strings.TrimSpace(req.Email)
	req.FirstName = strings.TrimSpace(req.FirstName)
	req.LastName = strings.TrimSpace(req.LastName)
	if req.Email == "" || req.FirstName == "" || req.LastName == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "missing required fields")
		return
	}

	if _, err := h.userService.GetByEmail(r.Context(), req.Email); err == nil {
		writeError(w, http.StatusConflict, "email already registered")
		return
	} else if !errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusInternalServerError, "failed to check user")
		return
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create user")
		return
	}

	user, err := h.userService.Create(r.Context(), types.User{
		Email:        req.Email,
		FirstName:    req.FirstName,
		LastName:     req.LastName,
		Role:         types.RoleUser,
		PasswordHash: string(hashed),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create user")
		return
	}

	signed, err := h.issuer.Issue(strconv.Itoa(user.ID), user.Role)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create token")
		return
	}

	h.recorder.Record(r.Context(), audit.Event{
		Type:    audit.EventUserRegistered,
		Subject: strconv.Itoa(user.ID),
		Role:    user.Role,
		Detail:  map[string]string{"email": user.Email},
	})

	writeJSON(w, http.StatusCreated, AuthResponse{
		Token:     signed,
		TokenType: "bearer",
		ExpiresIn: int64(h.issuer.TTL().Seconds()),
		User:      user,
	})
}

// Login verifies credentials and returns a bearer credential. The query
// parameter session=redis opts into the cache-backed session class, which
// carries its own, typically shorter, TTL.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}

	req.Email = strings.TrimSpace(req.Email)
	if req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "missing credentials")
		return
	}

	user, err := h.userService.GetByEmail(r.Context(), req.Email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to authenticate")
		return
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	if user.Blocked {
		writeError(w, http.StatusForbidden, "account is blocked")
		return
	}

	subject := strconv.Itoa(user.ID)
	resp := AuthResponse{TokenType: "bearer", User: user}

	if r.URL.Query().Get("session") == "redis" {
		if h.sessions == nil {
			writeError(w, http.StatusBadRequest, "session class not available")
			return
		}
		id, err := h.sessions.Create(r.Context(), subject, user.Role)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to create session")
			return
		}
		resp.Token = sessionTokenPrefix + id
		resp.ExpiresIn = int64(h.sessions.TTL().Seconds())
	} else {
		signed, err := h.issuer.Issue(subject, user.Role)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to create token")
			return
		}
		resp.Token = signed
		resp.ExpiresIn = int64(h.issuer.TTL().Seconds())
	}

	h.recorder.Record(r.Context(), audit.Event{
		Type:    audit.EventUserLogin,
		Subject: subject,
		Role:    user.Role,
		Detail:  map[string]string{"email": user.Email},
	})

	writeJSON(w, http.StatusOK, resp)
}

// Me returns the current authenticated user.
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	user, err := h.userService.GetByID(r.Context(), userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load user")
		return
	}

	writeJSON(w, http.StatusOK, user)
}

// ValidateToken introspects a signed token for other platform services.
// Invalid, expired and revoked tokens all yield the same 401.
func (h *AuthHandler) ValidateToken(w http.ResponseWriter, r *http.Request) {
	var req TokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}

	subject, _, _, err := h.resolveBearer(r.Context(), req.Token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	userID, err := strconv.Atoi(subject)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	user, err := h.userService.GetByID(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	resp := ValidateTokenResponse{Valid: true, UserID: user.ID, Subject: subject}
	if claims, err := h.issuer.Validate(req.Token); err == nil && claims.ExpiresAt != nil {
		resp.ExpiresAt = claims.ExpiresAt.Unix()
	}
	writeJSON(w, http.StatusOK, resp)
}

// Role reports the stored role of the account behind a token. The store is
// authoritative: a stale role claim inside a long-lived token does not win.
func (h *AuthHandler) Role(w http.ResponseWriter, r *http.Request) {
	var req TokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}

	subject, _, _, err := h.resolveBearer(r.Context(), req.Token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	userID, err := strconv.Atoi(subject)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	user, err := h.userService.GetByID(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	writeJSON(w, http.StatusOK, RoleResponse{Role: user.Role})
}

// Logout revokes the presented credential. Session-class credentials are
// destroyed; signed tokens are denylisted for their remaining lifetime.
// Without a session store, signed tokens can only be discarded client-side.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	raw, err := bearerToken(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	if id, ok := strings.CutPrefix(raw, sessionTokenPrefix); ok {
		if h.sessions == nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		rec, err := h.sessions.Lookup(r.Context(), id)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		if err := h.sessions.Destroy(r.Context(), id); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to revoke session")
			return
		}
		h.recorder.Record(r.Context(), audit.Event{
			Type:    audit.EventTokenRevoked,
			Subject: rec.Subject,
			Role:    rec.Role,
			Detail:  map[string]string{"class": "session"},
		})
		writeJSON(w, http.StatusOK, LogoutResponse{Revoked: true})
		return
	}

	claims, err := h.issuer.Validate(raw)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	if h.sessions == nil || claims.ID == "" || claims.ExpiresAt == nil {
		// No denylist available; the token stays valid until expiry.
		writeJSON(w, http.StatusOK, LogoutResponse{Revoked: false})
		return
	}

	remaining := time.Until(claims.ExpiresAt.Time)
	if err := h.sessions.Revoke(r.Context(), claims.ID, remaining); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to revoke token")
		return
	}
	h.recorder.Record(r.Context(), audit.Event{
		Type:    audit.EventTokenRevoked,
		Subject: claims.Subject,
		Role:    claims.Role,
		Detail:  map[string]string{"class": "jwt", "token_id": claims.ID},
	})
	writeJSON(w, http.StatusOK, LogoutResponse{Revoked: true})
}

// Bootstrap promotes an existing account to admin when presented with the
// deployment-time admin secret. This is the only path that changes a role.
func (h *AuthHandler) Bootstrap(w http.ResponseWriter, r *http.Request) {
	var req BootstrapRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}

	req.Email = strings.TrimSpace(req.Email)
	if req.Email == "" || req.AdminToken == "" {
		writeError(w, http.StatusBadRequest, "missing required fields")
		return
	}

	if !h.issuer.CheckAdminBootstrap(req.AdminToken) {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	user, err := h.userService.Promote(r.Context(), req.Email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "user not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to promote user")
		return
	}

	signed, err := h.issuer.Issue(strconv.Itoa(user.ID), user.Role)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create token")
		return
	}

	h.recorder.Record(r.Context(), audit.Event{
		Type:    audit.EventUserPromoted,
		Subject: strconv.Itoa(user.ID),
		Role:    user.Role,
		Detail:  map[string]string{"email": user.Email},
	})

	writeJSON(w, http.StatusOK, AuthResponse{
		Token:     signed,
		TokenType: "bearer",
		ExpiresIn: int64(h.issuer.TTL().Seconds()),
		User:      user,
	})
}

type RegisterRequest struct {
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Password  string `json:"password"`
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type TokenRequest struct {
	Token string `json:"token"`
}

type BootstrapRequest struct {
	AdminToken string `json:"admin_token"`
	Email      string `json:"email"`
}

type AuthResponse struct {
	Token     string     `json:"token"`
	TokenType string     `json:"token_type"`
	ExpiresIn int64      `json:"expires_in"`
	User      types.User `json:"user"`
}

type ValidateTokenResponse struct {
	Valid     bool   `json:"valid"`
	UserID    int    `json:"user_id"`
	Subject   string `json:"sub"`
	ExpiresAt int64  `json:"exp,omitempty"`
}

type RoleResponse struct {
	Role string `json:"role"`
}

type LogoutResponse struct {
	Revoked bool `json:"revoked"`
}
