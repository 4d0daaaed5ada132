package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCORS(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	tests := []struct {
		name        string
		allowed     []string
		origin      string
		method      string
		preflight   bool
		wantStatus  int
		wantOrigin  string
		wantCredits bool
	}{
		{"explicit origin", []string{"https://app.example.com"}, "https://app.example.com", http.MethodPost, false, http.StatusTeapot, "https://app.example.com", true},
		{"wildcard origin", []string{"*"}, "https://other.example.com", http.MethodGet, false, http.StatusTeapot, "https://other.example.com", false},
		{"disallowed origin", []string{"https://app.example.com"}, "https://evil.example.com", http.MethodGet, false, http.StatusTeapot, "", false},
		{"preflight", []string{"*"}, "https://app.example.com", http.MethodOptions, true, http.StatusNoContent, "https://app.example.com", false},
		{"plain options", []string{"*"}, "", http.MethodOptions, false, http.StatusTeapot, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/athro-selections_updated", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			if tt.preflight {
				req.Header.Set("Access-Control-Request-Method", http.MethodPost)
			}
			w := httptest.NewRecorder()

			CORS(tt.allowed)(next).ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if got := w.Header().Get("Access-Control-Allow-Origin"); got != tt.wantOrigin {
				t.Errorf("Allow-Origin = %q, want %q", got, tt.wantOrigin)
			}
			if got := w.Header().Get("Access-Control-Allow-Credentials") == "true"; got != tt.wantCredits {
				t.Errorf("Allow-Credentials = %v, want %v", got, tt.wantCredits)
			}
		})
	}
}
