package testutil

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	jsonpool "github.com/ajitpratap0/nebula-bc/pkg/json"
)

// TokenPath is where BCServer answers refresh grants
const TokenPath = "/token"

type cannedResponse struct {
	status int
	body   string
}

// BCServer is a fake Business Central tenant. It serves the token endpoint,
// the environment catalog and canned resource responses keyed by path and
// query. Unknown routes answer 404 with an OData error body.
type BCServer struct {
	*httptest.Server

	mu           sync.Mutex
	environments []string
	routes       map[string]cannedResponse
	requests     []string
	tokenCalls   int
	tokenStatus  int
	envCalls     int
}

// NewBCServer starts a server whose catalog lists environments. It is
// closed when the test ends.
func NewBCServer(t *testing.T, environments ...string) *BCServer {
	t.Helper()

	s := &BCServer{
		environments: environments,
		routes:       make(map[string]cannedResponse),
		tokenStatus:  http.StatusOK,
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)
	return s
}

// RouteKey renders path and query the way incoming requests are matched.
// path is unescaped.
func RouteKey(path string, query url.Values) string {
	if len(query) == 0 {
		return path
	}
	return path + "?" + query.Encode()
}

// JSON answers 200 with body for path and query
func (s *BCServer) JSON(path string, query url.Values, body string) {
	s.Respond(path, query, http.StatusOK, body)
}

// Respond answers status with body for path and query
func (s *BCServer) Respond(path string, query url.Values, status int, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routes[RouteKey(path, query)] = cannedResponse{status: status, body: body}
}

// RejectTokens makes the token endpoint answer status with an invalid_grant body
func (s *BCServer) RejectTokens(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokenStatus = status
}

// Requests returns the resource requests received so far, in order
func (s *BCServer) Requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.requests...)
}

// TokenCalls returns how many refresh grants were received
func (s *BCServer) TokenCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokenCalls
}

// EnvironmentCalls returns how many times the catalog was fetched
func (s *BCServer) EnvironmentCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.envCalls
}

func (s *BCServer) serve(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case TokenPath:
		s.serveToken(w)
	case "/environments/v1.1":
		s.serveEnvironments(w)
	default:
		s.serveResource(w, r)
	}
}

func (s *BCServer) serveToken(w http.ResponseWriter) {
	s.mu.Lock()
	s.tokenCalls++
	status := s.tokenStatus
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if status != http.StatusOK {
		w.WriteHeader(status)
		fmt.Fprint(w, `{"error":"invalid_grant","error_description":"refresh token expired"}`)
		return
	}
	fmt.Fprint(w, `{"access_token":"test-token","token_type":"Bearer","expires_in":3600}`)
}

func (s *BCServer) serveEnvironments(w http.ResponseWriter) {
	s.mu.Lock()
	s.envCalls++
	entries := make([]map[string]string, 0, len(s.environments))
	for _, name := range s.environments {
		entries = append(entries, map[string]string{"name": name, "type": "Production"})
	}
	s.mu.Unlock()

	body, err := jsonpool.Marshal(map[string]interface{}{"value": entries})
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(body)
}

func (s *BCServer) serveResource(w http.ResponseWriter, r *http.Request) {
	key := RouteKey(r.URL.Path, r.URL.Query())

	s.mu.Lock()
	s.requests = append(s.requests, key)
	resp, ok := s.routes[key]
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprintf(w, `{"error":{"code":"BadRequest_NotFound","message":"no route for %s"}}`, r.URL.Path)
		return
	}
	w.WriteHeader(resp.status)
	fmt.Fprint(w, resp.body)
}
