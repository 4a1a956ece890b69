// Package httpserver exposes read-only HTTP handlers over the market data feed.
package httpserver

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/mdfeed/internal/book"
	"github.com/coachpo/mdfeed/internal/discovery"
	"github.com/coachpo/mdfeed/internal/feed"
	"github.com/coachpo/mdfeed/internal/universe"
)

const (
	healthPath     = "/healthz"
	topOfBookPath  = "/tob"
	topOfBookItem  = topOfBookPath + "/"
	universePath   = "/universe"
	reloadPath     = universePath + "/reload"
	sessionsPath   = "/sessions"
	discoveredPath = "/discovered"

	reloadTimeout = 30 * time.Second
)

// Feed is the query surface served over HTTP.
type Feed interface {
	Peek(symbol string) (book.TopOfBook, bool)
	Symbols() []string
	Universe() universe.Universe
	UniverseLoaded() bool
	Discovered() []discovery.Entry
	Sessions() []feed.SessionStatus
	Reload(ctx context.Context) (bool, error)
}

type handlerFunc func(http.ResponseWriter, *http.Request)

type httpServer struct {
	feed Feed
	now  func() time.Time
}

type topOfBookPayload struct {
	Symbol     string    `json:"symbol"`
	Bid        string    `json:"bid"`
	Ask        string    `json:"ask"`
	Last       string    `json:"last"`
	Mid        string    `json:"mid"`
	Spread     string    `json:"spread"`
	ObservedAt time.Time `json:"observedAt"`
}

type sessionPayload struct {
	Session       string    `json:"session"`
	EstablishedAt time.Time `json:"establishedAt"`
	Outstanding   int       `json:"outstanding"`
}

type discoveredPayload struct {
	Symbol    string    `json:"symbol"`
	FirstSeen time.Time `json:"firstSeen"`
}

// NewHandler creates the HTTP handler for feed queries.
func NewHandler(f Feed) http.Handler {
	server := &httpServer{feed: f, now: time.Now}
	mux := http.NewServeMux()

	mux.Handle(healthPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.health,
	}))
	mux.Handle(topOfBookPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.listTopOfBook,
	}))
	mux.Handle(topOfBookItem, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getTopOfBook,
	}))
	mux.Handle(universePath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getUniverse,
	}))
	mux.Handle(reloadPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.reloadUniverse,
	}))
	mux.Handle(sessionsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.listSessions,
	}))
	mux.Handle(discoveredPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.listDiscovered,
	}))

	return withCORS(mux)
}

func (s *httpServer) methodHandlers(handlers map[string]handlerFunc) http.Handler {
	allowed := allowedMethods(handlers)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler(w, r)
			return
		}
		methodNotAllowed(w, allowed...)
	})
}

func allowedMethods(handlers map[string]handlerFunc) []string {
	allowed := make([]string, 0, len(handlers))
	for method := range handlers {
		allowed = append(allowed, method)
	}
	sort.Strings(allowed)
	return allowed
}

func (s *httpServer) health(w http.ResponseWriter, _ *http.Request) {
	status := "ok"
	if !s.feed.UniverseLoaded() {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         status,
		"universeLoaded": s.feed.UniverseLoaded(),
		"sessions":       len(s.feed.Sessions()),
		"time":           s.now().UTC(),
	})
}

func (s *httpServer) listTopOfBook(w http.ResponseWriter, _ *http.Request) {
	symbols := s.feed.Symbols()
	books := make([]topOfBookPayload, 0, len(symbols))
	for _, symbol := range symbols {
		tob, ok := s.feed.Peek(symbol)
		if !ok {
			continue
		}
		books = append(books, newTopOfBookPayload(symbol, tob))
	}
	writeJSON(w, http.StatusOK, map[string]any{"books": books})
}

func (s *httpServer) getTopOfBook(w http.ResponseWriter, r *http.Request) {
	symbol := strings.Trim(strings.TrimPrefix(r.URL.Path, topOfBookItem), "/")
	if symbol == "" {
		writeError(w, http.StatusNotFound, "symbol required")
		return
	}
	tob, ok := s.feed.Peek(symbol)
	if !ok {
		writeError(w, http.StatusNotFound, "symbol not found")
		return
	}
	writeJSON(w, http.StatusOK, newTopOfBookPayload(symbol, tob))
}

func newTopOfBookPayload(symbol string, tob book.TopOfBook) topOfBookPayload {
	return topOfBookPayload{
		Symbol:     symbol,
		Bid:        tob.Bid.String(),
		Ask:        tob.Ask.String(),
		Last:       tob.Last.String(),
		Mid:        tob.Mid().String(),
		Spread:     tob.Spread().String(),
		ObservedAt: tob.ObservedAt.UTC(),
	}
}

func (s *httpServer) getUniverse(w http.ResponseWriter, _ *http.Request) {
	u := s.feed.Universe()
	writeJSON(w, http.StatusOK, map[string]any{
		"loaded":  s.feed.UniverseLoaded(),
		"size":    u.Len(),
		"symbols": u.Symbols(),
	})
}

func (s *httpServer) reloadUniverse(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), reloadTimeout)
	defer cancel()
	changed, err := s.feed.Reload(ctx)
	if err != nil && !changed {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	body := map[string]any{
		"changed": changed,
		"size":    s.feed.Universe().Len(),
	}
	// A changed universe is applied even when some sessions failed to resubscribe.
	if err != nil {
		body["errors"] = errorMessages(err)
	}
	writeJSON(w, http.StatusOK, body)
}

func errorMessages(err error) []string {
	for cur := err; cur != nil; cur = errors.Unwrap(cur) {
		if joined, ok := cur.(interface{ Unwrap() []error }); ok {
			inner := joined.Unwrap()
			out := make([]string, 0, len(inner))
			for _, e := range inner {
				out = append(out, e.Error())
			}
			return out
		}
	}
	return []string{err.Error()}
}

func (s *httpServer) listSessions(w http.ResponseWriter, _ *http.Request) {
	statuses := s.feed.Sessions()
	sessions := make([]sessionPayload, 0, len(statuses))
	for _, st := range statuses {
		sessions = append(sessions, sessionPayload{
			Session:       st.Session.String(),
			EstablishedAt: st.EstablishedAt.UTC(),
			Outstanding:   st.Outstanding,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *httpServer) listDiscovered(w http.ResponseWriter, _ *http.Request) {
	entries := s.feed.Discovered()
	symbols := make([]discoveredPayload, 0, len(entries))
	for _, entry := range entries {
		symbols = append(symbols, discoveredPayload{Symbol: entry.Symbol, FirstSeen: entry.FirstSeen.UTC()})
	}
	writeJSON(w, http.StatusOK, map[string]any{"discovered": symbols})
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}

func withCORS(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
