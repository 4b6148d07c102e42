package v1

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
)

func TestRouter_HandleStatus_NoDeps(t *testing.T) {
	router := NewRouter(nil)
	m := mux.NewRouter()
	router.RegisterRoutes(m)

	rr := httptest.NewRecorder()
	m.ServeHTTP(rr, httptest.NewRequest("GET", "/api/v1/status", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d", http.StatusOK, rr.Code)
	}

	var resp StatusResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.Status != "ok" {
		t.Errorf("Expected status ok, got %s", resp.Status)
	}
	if len(resp.Sessions) != 0 {
		t.Errorf("Expected no sessions, got %d", len(resp.Sessions))
	}
}

func TestRouter_HandleStatus_AfterChat(t *testing.T) {
	f := newAPIFixture(t)
	sess := f.session(t)

	rr := postJSON(t, f.m, "/api/v1/chat", ChatRequest{SessionID: sess.ID, Message: "Hello"})
	if rr.Code != http.StatusOK {
		t.Fatalf("chat failed: %d %s", rr.Code, rr.Body.String())
	}

	var resp StatusResponse
	rs := getJSON(t, f.m, "/api/v1/status", &resp)
	if rs.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d", http.StatusOK, rs.Code)
	}
	if resp.Version != "test" {
		t.Errorf("Expected version test, got %s", resp.Version)
	}
	if len(resp.Providers) != 1 || resp.Providers[0] != "scripted" {
		t.Errorf("Expected provider list [scripted], got %v", resp.Providers)
	}

	found := false
	for _, s := range resp.Sessions {
		if s.SessionID == sess.ID {
			found = true
			if s.Busy {
				t.Error("Completed session reported busy")
			}
			if s.Occupancy <= 0 {
				t.Errorf("Expected positive occupancy, got %d", s.Occupancy)
			}
		}
	}
	if !found {
		t.Errorf("Session %s missing from status, got %+v", sess.ID, resp.Sessions)
	}
}
