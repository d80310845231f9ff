package server

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"modulbank/modulbank"
	"modulbank/oauthclient"
)

// App bundles runtime dependencies for the HTTP service.
type App struct {
	Config   Config
	Logger   *slog.Logger
	Store    *InMemoryStore
	Sessions *SessionManager
	Metrics  *Metrics
	Upstream *UpstreamTransport

	httpClient *http.Client
}

// NewApp wires together the application state from configuration.
func NewApp(cfg Config, logger *slog.Logger) (*App, error) {
	store := NewInMemoryStore()
	metrics := NewMetrics(func() float64 { return float64(store.Len()) })
	upstream := NewUpstreamTransport(nil, logger, metrics)
	app := &App{
		Config:     cfg,
		Logger:     logger,
		Store:      store,
		Sessions:   NewSessionManager(cfg, store, logger),
		Metrics:    metrics,
		Upstream:   upstream,
		httpClient: &http.Client{Timeout: cfg.UpstreamTimeout(), Transport: upstream},
	}

	// Surface credential problems at startup instead of on the first login.
	if _, err := app.NewProvider(); err != nil {
		return nil, err
	}
	return app, nil
}

// NewProvider builds an adapter for one session from the modulbank config.
func (a *App) NewProvider() (*modulbank.Provider, error) {
	return modulbank.New(modulbank.Config{
		ClientID:     a.Config.Modulbank.ClientID,
		ClientSecret: a.Config.Modulbank.ClientSecret,
		RedirectURI:  a.Config.RedirectURI(),
		Debug:        a.Config.Modulbank.Sandbox,
		Domain:       a.Config.Modulbank.APIBaseURL,
		HTTPClient:   a.httpClient,
		Logger:       a.Logger,
	})
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *App) handleLogin(w http.ResponseWriter, r *http.Request) {
	if old := a.Sessions.Fetch(r); old != nil {
		a.Store.DeleteSession(old.ID)
	}

	provider, err := a.NewProvider()
	if err != nil {
		a.Logger.Error("provider init", "error", err)
		http.Error(w, "login unavailable", http.StatusInternalServerError)
		return
	}
	sess := a.Sessions.Create(w, provider)

	sess.Lock()
	authURL := provider.AuthorizationURL(oauthclient.AuthorizationOptions{})
	sess.Unlock()

	a.Metrics.RecordAuthEvent("login_started")
	a.Logger.Info("login_started", "session_ref", sessionRef(sess.ID), "sandbox", provider.Debug())
	http.Redirect(w, r, authURL, http.StatusFound)
}

func (a *App) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		writeError(w, http.StatusBadRequest, e, q.Get("error_description"))
		return
	}

	state := q.Get("state")
	code := q.Get("code")
	if state == "" || code == "" {
		http.Error(w, "missing state or code", http.StatusBadRequest)
		return
	}

	sess := a.Sessions.Fetch(r)
	if sess == nil {
		http.Error(w, "unknown session", http.StatusBadRequest)
		return
	}

	sess.Lock()
	defer sess.Unlock()

	provider := sess.Provider()
	expected := provider.State()
	if expected == "" || subtle.ConstantTimeCompare([]byte(state), []byte(expected)) != 1 {
		a.Logger.Warn("callback_state_mismatch", "session_ref", sessionRef(sess.ID), "request_id", RequestIDFromContext(r.Context()))
		http.Error(w, "state mismatch", http.StatusBadRequest)
		return
	}

	if _, err := provider.GetAccessToken(r.Context(), oauthclient.AuthorizationCode{Code: code}, nil); err != nil {
		a.Metrics.RecordAuthEvent("login_failed")
		a.Logger.Error("exchange failed", "error", err, "session_ref", sessionRef(sess.ID))
		a.writeUpstreamError(w, err)
		return
	}
	sess.authenticated = true

	a.Metrics.RecordAuthEvent("login_completed")
	a.Logger.Info("login_completed", "session_ref", sessionRef(sess.ID))
	http.Redirect(w, r, "/account", http.StatusFound)
}

func (a *App) handleLogout(w http.ResponseWriter, r *http.Request) {
	a.Sessions.Destroy(w, a.Sessions.Fetch(r))
	a.Metrics.RecordAuthEvent("logout")
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handleRegister(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}
	reg := modulbank.Registration{
		FirstName: r.PostForm.Get("firstName"),
		LastName:  r.PostForm.Get("lastName"),
		Email:     r.PostForm.Get("email"),
		CellPhone: r.PostForm.Get("cellPhone"),
		City:      r.PostForm.Get("city"),
	}
	if reg.FirstName == "" || reg.LastName == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "firstName and lastName are required")
		return
	}

	provider, err := a.NewProvider()
	if err != nil {
		a.Logger.Error("provider init", "error", err)
		http.Error(w, "registration unavailable", http.StatusInternalServerError)
		return
	}
	target, err := provider.RegistrationURL(r.Context(), reg)
	if err != nil {
		a.Logger.Error("registration failed", "error", err)
		a.writeUpstreamError(w, err)
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}

func (a *App) handleAccount(w http.ResponseWriter, r *http.Request) {
	a.withProvider(w, r, func(p *modulbank.Provider) (any, error) {
		owner, err := p.ResourceOwner(r.Context(), nil)
		if err != nil {
			return nil, err
		}
		return owner.ToMap(), nil
	})
}

func (a *App) handleBalance(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	a.withProvider(w, r, func(p *modulbank.Provider) (any, error) {
		balance, err := p.Balance(r.Context(), id)
		if err != nil {
			return nil, err
		}
		return map[string]any{"accountId": id, "balance": balance}, nil
	})
}

func (a *App) handleHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := modulbank.HistoryFilter{
		Category: q.Get("category"),
		From:     q.Get("from"),
		Till:     q.Get("till"),
	}
	if v := q.Get("records"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "records must be a non-negative integer")
			return
		}
		filter.Records = n
	}

	id := chi.URLParam(r, "id")
	a.withProvider(w, r, func(p *modulbank.Provider) (any, error) {
		return p.OperationHistory(r.Context(), id, filter)
	})
}

// withProvider runs fn with the session's adapter locked and writes its
// result as JSON.
func (a *App) withProvider(w http.ResponseWriter, r *http.Request, fn func(*modulbank.Provider) (any, error)) {
	sess := a.Sessions.Fetch(r)
	if sess == nil {
		writeError(w, http.StatusUnauthorized, "unauthenticated", "log in first")
		return
	}

	sess.Lock()
	if !sess.Authenticated() {
		sess.Unlock()
		writeError(w, http.StatusUnauthorized, "unauthenticated", "log in first")
		return
	}
	out, err := fn(sess.Provider())
	sess.Unlock()

	if err != nil {
		a.Logger.Warn("upstream call failed", "error", err, "path", r.URL.Path, "session_ref", sessionRef(sess.ID))
		a.writeUpstreamError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *App) writeUpstreamError(w http.ResponseWriter, err error) {
	var ipe *oauthclient.IdentityProviderError
	var pe *oauthclient.ParseError
	switch {
	case errors.Is(err, modulbank.ErrNotAuthenticated), errors.Is(err, modulbank.ErrTokenExpired):
		writeError(w, http.StatusUnauthorized, "unauthenticated", err.Error())
	case errors.Is(err, modulbank.ErrMissingAccountID):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case isBreakerOpen(err):
		writeError(w, http.StatusServiceUnavailable, "upstream_unavailable", "bank API temporarily disabled")
	case errors.As(err, &ipe):
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"error":   ipe.Kind.String(),
			"message": ipe.Message,
			"status":  ipe.StatusCode,
		})
	case errors.As(err, &pe):
		writeError(w, http.StatusBadGateway, "invalid_response", pe.Error())
	default:
		writeError(w, http.StatusBadGateway, "upstream_unavailable", "bank API unreachable")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}
