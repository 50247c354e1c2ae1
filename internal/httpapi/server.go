// Package httpapi serves the REST pass-through endpoints and the option
// chain websocket.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tush16/TastyTrade/internal/stream"
	"github.com/tush16/TastyTrade/internal/tasty"
)

// Server exposes the middleware API.
type Server struct {
	tasty     *tasty.Client
	manager   *stream.Manager
	keepalive time.Duration
	log       *slog.Logger
}

// NewServer wires the API against an upstream client and the stream manager.
func NewServer(tc *tasty.Client, m *stream.Manager, keepalive time.Duration, log *slog.Logger) *Server {
	return &Server{tasty: tc, manager: m, keepalive: keepalive, log: log}
}

// RegisterRoutes registers all API routes on the given mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /login", s.handleLogin)
	mux.HandleFunc("GET /option-chains/{symbol}/nested", s.handleNestedChain)
	mux.HandleFunc("GET /options/expiries", s.handleExpiries)
	mux.HandleFunc("GET /equity-options", s.handleEquityOptions)
	mux.HandleFunc("GET /equities/top", s.handleTopEquities)
	mux.HandleFunc("GET /equities/active", s.handleActiveEquities)
	mux.HandleFunc("GET /equities/search", s.handleSearchEquities)
	mux.HandleFunc("GET /futures", s.handleListFutures)
	mux.HandleFunc("GET /futures/{symbol}", s.handleGetFuture)
	mux.HandleFunc("GET /ws/chain", s.handleChainSocket)
}

// Handler returns an http.Handler with CORS middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// bearerToken extracts the session token from the Authorization header. A
// bare token without the Bearer prefix is accepted too.
func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	if h == "" {
		return "", false
	}
	if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
		return tok, tok != ""
	}
	return h, true
}

// writeUpstreamError maps client errors onto responses: a non-2xx from the
// brokerage becomes a 502 carrying the upstream detail.
func (s *Server) writeUpstreamError(w http.ResponseWriter, err error) {
	var apiErr *tasty.APIError
	if errors.As(err, &apiErr) {
		s.log.Warn("upstream error", "status", apiErr.Status, "body", apiErr.Body)
		writeError(w, http.StatusBadGateway, apiErr.Error())
		return
	}
	s.log.Error("request failed", "err", err)
	writeError(w, http.StatusInternalServerError, err.Error())
}

type loginRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

type loginResponse struct {
	SessionToken string `json:"session_token"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Login == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "login and password are required")
		return
	}
	token, err := s.tasty.Login(r.Context(), req.Login, req.Password)
	if err != nil {
		var apiErr *tasty.APIError
		if errors.As(err, &apiErr) && apiErr.Status >= 400 && apiErr.Status < 500 {
			writeError(w, http.StatusUnauthorized, "Authentication failed")
			return
		}
		s.writeUpstreamError(w, err)
		return
	}
	writeJSON(w, loginResponse{SessionToken: token})
}

func (s *Server) handleNestedChain(w http.ResponseWriter, r *http.Request) {
	token, ok := bearerToken(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing session token")
		return
	}
	data, err := s.tasty.NestedOptionChain(r.Context(), token, r.PathValue("symbol"))
	if err != nil {
		s.writeUpstreamError(w, err)
		return
	}
	writeJSON(w, data)
}

func (s *Server) handleExpiries(w http.ResponseWriter, r *http.Request) {
	token, ok := bearerToken(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing session token")
		return
	}
	symbol := r.URL.Query().Get("symbol")
	if symbol == "" {
		writeError(w, http.StatusBadRequest, "symbol query parameter is required")
		return
	}
	expiries, err := s.tasty.Expiries(r.Context(), token, symbol)
	if err != nil {
		s.writeUpstreamError(w, err)
		return
	}
	if len(expiries) == 0 {
		writeError(w, http.StatusNotFound, "Option chain not found")
		return
	}
	writeJSON(w, expiries)
}

// chainHeadPerSide caps how many calls and puts per ticker feed the
// metadata lookup.
const chainHeadPerSide = 5

func (s *Server) handleEquityOptions(w http.ResponseWriter, r *http.Request) {
	token, ok := bearerToken(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing session token")
		return
	}
	q := r.URL.Query()
	tickers := q["stock[]"]
	if len(tickers) == 0 {
		writeError(w, http.StatusBadRequest, "Please provide at least one stock symbol in 'stock[]'.")
		return
	}
	active := parseBool(q.Get("active"), true)
	withExpired := parseBool(q.Get("with_expired"), false)

	var occSymbols []string
	for _, ticker := range tickers {
		chain, err := s.tasty.OptionChain(r.Context(), token, ticker)
		if err != nil {
			s.writeUpstreamError(w, err)
			return
		}
		var calls, puts int
		for _, item := range chain {
			switch item.OptionType {
			case "C":
				if calls < chainHeadPerSide {
					occSymbols = append(occSymbols, item.Symbol)
					calls++
				}
			case "P":
				if puts < chainHeadPerSide {
					occSymbols = append(occSymbols, item.Symbol)
					puts++
				}
			}
		}
	}
	if len(occSymbols) == 0 {
		writeError(w, http.StatusNotFound, "No OCC option symbols found for selected stocks.")
		return
	}
	metadata, err := s.tasty.EquityOptions(r.Context(), token, occSymbols, active, withExpired)
	if err != nil {
		s.writeUpstreamError(w, err)
		return
	}
	writeJSON(w, metadata)
}

func (s *Server) handleTopEquities(w http.ResponseWriter, r *http.Request) {
	token, ok := bearerToken(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing session token")
		return
	}
	equities, err := s.tasty.ListEquities(r.Context(), token)
	if err != nil {
		s.writeUpstreamError(w, err)
		return
	}
	writeJSON(w, equities)
}

func (s *Server) handleActiveEquities(w http.ResponseWriter, r *http.Request) {
	token, ok := bearerToken(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing session token")
		return
	}
	q := r.URL.Query()
	pageOffset := parseInt(q.Get("page_offset"), 0)
	perPage := parseInt(q.Get("per_page"), 500)
	if pageOffset < 0 || perPage < 1 || perPage > 1000 {
		writeError(w, http.StatusBadRequest, "page_offset must be >= 0 and per_page in [1, 1000]")
		return
	}
	lendability := q.Get("lendability")
	if lendability == "" {
		lendability = "Easy To Borrow"
	}
	data, err := s.tasty.ActiveEquities(r.Context(), token, pageOffset, perPage, lendability)
	if err != nil {
		s.writeUpstreamError(w, err)
		return
	}
	writeJSON(w, data)
}

func (s *Server) handleSearchEquities(w http.ResponseWriter, r *http.Request) {
	token, ok := bearerToken(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing session token")
		return
	}
	query := r.URL.Query().Get("query")
	if query == "" {
		writeError(w, http.StatusBadRequest, "query parameter is required")
		return
	}
	results, err := s.tasty.SearchSymbols(r.Context(), token, query)
	if err != nil {
		s.writeUpstreamError(w, err)
		return
	}
	if results == nil {
		results = []tasty.SearchResult{}
	}
	writeJSON(w, results)
}

func (s *Server) handleListFutures(w http.ResponseWriter, r *http.Request) {
	token, ok := bearerToken(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing session token")
		return
	}
	data, err := s.tasty.ListFutures(r.Context(), token)
	if err != nil {
		s.writeUpstreamError(w, err)
		return
	}
	writeJSON(w, data)
}

func (s *Server) handleGetFuture(w http.ResponseWriter, r *http.Request) {
	token, ok := bearerToken(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing session token")
		return
	}
	data, err := s.tasty.GetFuture(r.Context(), token, r.PathValue("symbol"))
	if err != nil {
		s.writeUpstreamError(w, err)
		return
	}
	writeJSON(w, data)
}

func parseBool(s string, def bool) bool {
	if s == "" {
		return def
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return def
	}
	return b
}

func parseInt(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
