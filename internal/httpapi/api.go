package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/parchlabs/tokenpool/internal/logutil"
	"github.com/parchlabs/tokenpool/internal/token"
)

// Allocator is the write surface the API calls into. Satisfied by the
// allocator service.
type Allocator interface {
	Activate(ctx context.Context, userID uuid.UUID) (*token.Token, *token.Usage, error)
	ClearActive(ctx context.Context) (int, error)
}

// Reader is the authoritative read surface. Satisfied by the
// repository.
type Reader interface {
	ListTokens(ctx context.Context) ([]token.Token, error)
	GetToken(ctx context.Context, id uuid.UUID) (*token.Token, error)
	GetOpenUsage(ctx context.Context, tokenID uuid.UUID) (*token.Usage, error)
}

// Cache is the fast read path. Satisfied by the state cache; reads fall
// back to the Reader until the cache has loaded.
type Cache interface {
	Loaded() bool
	Get(tokenID uuid.UUID) (token.Token, bool)
	ListAll() []token.Token
}

// Params configures New. Allocator and Reader are required; Cache is
// optional.
type Params struct {
	Allocator Allocator
	Reader    Reader
	Cache     Cache
	Logger    *slog.Logger
}

// API serves the /api routes.
type API struct {
	alloc Allocator
	repo  Reader
	cache Cache
	log   *slog.Logger
}

// New builds the API. Panics if p.Allocator or p.Reader is nil; those
// are programmer errors.
func New(p Params) *API {
	if p.Allocator == nil {
		panic("tokenpool: httpapi.New requires an Allocator")
	}
	if p.Reader == nil {
		panic("tokenpool: httpapi.New requires a Reader")
	}
	if p.Logger == nil {
		p.Logger = logutil.Logger().With("subsystem", "http")
	}
	return &API{alloc: p.Allocator, repo: p.Reader, cache: p.Cache, log: p.Logger}
}

// Handler returns the routed handler with logging and panic recovery
// applied.
func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/tokens/activate", a.handleActivate)
	mux.HandleFunc("GET /api/tokens", a.handleList)
	mux.HandleFunc("GET /api/tokens/{id}", a.handleShow)
	mux.HandleFunc("GET /api/tokens/{id}/history", a.handleHistory)
	mux.HandleFunc("POST /api/tokens/clear", a.handleClear)
	return a.withRecovery(a.withRequestLog(mux))
}

type activateRequest struct {
	UserID string `json:"user_id"`
}

type activateResponse struct {
	TokenID     uuid.UUID `json:"token_id"`
	UserID      uuid.UUID `json:"user_id"`
	ActivatedAt string    `json:"activated_at"`
}

func (a *API) handleActivate(w http.ResponseWriter, r *http.Request) {
	var req activateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeDetail(w, http.StatusUnprocessableEntity, "request body is not valid JSON")
		return
	}
	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		a.writeDetail(w, http.StatusUnprocessableEntity, "user_id must be a UUID")
		return
	}

	tok, usage, err := a.alloc.Activate(r.Context(), userID)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeData(w, http.StatusOK, activateResponse{
		TokenID:     tok.ID,
		UserID:      usage.UserID,
		ActivatedAt: fmtTime(usage.StartedAt),
	})
}

type tokenEntry struct {
	ID            uuid.UUID  `json:"id"`
	Status        string     `json:"status"`
	CurrentUserID *uuid.UUID `json:"current_user_id"`
	ActivatedAt   *string    `json:"activated_at"`
}

func entryFor(t token.Token) tokenEntry {
	return tokenEntry{
		ID:            t.ID,
		Status:        t.Status.String(),
		CurrentUserID: t.CurrentUserID,
		ActivatedAt:   fmtTimePtr(t.ActivatedAt),
	}
}

func (a *API) handleList(w http.ResponseWriter, r *http.Request) {
	if a.cache != nil && a.cache.Loaded() {
		tokens := a.cache.ListAll()
		entries := make([]tokenEntry, 0, len(tokens))
		for _, t := range tokens {
			entries = append(entries, entryFor(t))
		}
		a.writeData(w, http.StatusOK, entries)
		return
	}

	tokens, err := a.repo.ListTokens(r.Context())
	if err != nil {
		a.writeError(w, err)
		return
	}
	entries := make([]tokenEntry, 0, len(tokens))
	for _, t := range tokens {
		entries = append(entries, entryFor(t))
	}
	a.writeData(w, http.StatusOK, entries)
}

type usageEntry struct {
	UserID    uuid.UUID `json:"user_id"`
	StartedAt string    `json:"started_at"`
	EndedAt   *string   `json:"ended_at"`
}

func usageFor(u token.Usage) usageEntry {
	return usageEntry{
		UserID:    u.UserID,
		StartedAt: fmtTime(u.StartedAt),
		EndedAt:   fmtTimePtr(u.EndedAt),
	}
}

type showResponse struct {
	tokenEntry
	ActiveUsage *usageEntry `json:"active_usage"`
}

func (a *API) handleShow(w http.ResponseWriter, r *http.Request) {
	id, ok := a.pathID(w, r)
	if !ok {
		return
	}

	var entry tokenEntry
	if cached, hit := a.cachedToken(id); hit {
		entry = entryFor(cached)
	} else {
		tok, err := a.repo.GetToken(r.Context(), id)
		if err != nil {
			a.writeError(w, err)
			return
		}
		entry = entryFor(*tok)
	}

	resp := showResponse{tokenEntry: entry}
	if entry.Status == token.StatusActive.String() {
		open, err := a.repo.GetOpenUsage(r.Context(), id)
		if err != nil {
			a.writeError(w, err)
			return
		}
		if open != nil {
			u := usageFor(*open)
			resp.ActiveUsage = &u
		}
	}
	a.writeData(w, http.StatusOK, resp)
}

func (a *API) cachedToken(id uuid.UUID) (token.Token, bool) {
	if a.cache == nil || !a.cache.Loaded() {
		return token.Token{}, false
	}
	return a.cache.Get(id)
}

type historyResponse struct {
	TokenID uuid.UUID    `json:"token_id"`
	Usages  []usageEntry `json:"usages"`
}

func (a *API) handleHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := a.pathID(w, r)
	if !ok {
		return
	}

	tok, err := a.repo.GetToken(r.Context(), id)
	if err != nil {
		a.writeError(w, err)
		return
	}

	usages := make([]usageEntry, 0, len(tok.Usages))
	for _, u := range tok.Usages {
		usages = append(usages, usageFor(u))
	}
	a.writeData(w, http.StatusOK, historyResponse{TokenID: tok.ID, Usages: usages})
}

type clearResponse struct {
	ClearedTokens int `json:"cleared_tokens"`
}

func (a *API) handleClear(w http.ResponseWriter, r *http.Request) {
	n, err := a.alloc.ClearActive(r.Context())
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeData(w, http.StatusOK, clearResponse{ClearedTokens: n})
}

// pathID parses the {id} segment; unparsable ids read as 404, the same
// as ids that do not exist.
func (a *API) pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		a.writeDetail(w, http.StatusNotFound, "token not found")
		return uuid.Nil, false
	}
	return id, true
}

// writeData writes the {data: ...} envelope.
func (a *API) writeData(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]any{"data": data}); err != nil {
		a.log.Warn("encode response", "error", err)
	}
}

// writeDetail writes the {errors: {detail: ...}} envelope.
func (a *API) writeDetail(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]any{
		"errors": map[string]string{"detail": detail},
	}); err != nil {
		a.log.Warn("encode error response", "error", err)
	}
}

// writeError maps a domain error to its status code. Anything that is
// not a domain kind is a 500 with a generic detail; the cause is
// logged, not leaked.
func (a *API) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, token.ErrAlreadyHasActiveToken),
		errors.Is(err, token.ErrNoTokensAvailable),
		errors.Is(err, token.ErrInvalidTokenState):
		a.writeDetail(w, http.StatusUnprocessableEntity, userDetail(err))
	case errors.Is(err, token.ErrTokenNotFound):
		a.writeDetail(w, http.StatusNotFound, "token not found")
	default:
		a.log.Error("request failed", "error", err)
		a.writeDetail(w, http.StatusInternalServerError, "internal server error")
	}
}

// userDetail renders the sentinel kind as the human-readable detail,
// dropping the internal wrapping.
func userDetail(err error) string {
	switch {
	case errors.Is(err, token.ErrAlreadyHasActiveToken):
		return token.ErrAlreadyHasActiveToken.Error()
	case errors.Is(err, token.ErrNoTokensAvailable):
		return token.ErrNoTokensAvailable.Error()
	default:
		return token.ErrInvalidTokenState.Error()
	}
}

// fmtTime renders a timestamp as UTC ISO-8601 at second precision.
func fmtTime(t time.Time) string {
	return t.UTC().Truncate(time.Second).Format(time.RFC3339)
}

func fmtTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := fmtTime(*t)
	return &s
}
