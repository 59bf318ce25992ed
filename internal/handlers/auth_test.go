package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"printer_link/internal/service"
)

func postJSON(r http.Handler, path, body string, header http.Header) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	for k, vv := range header {
		for _, v := range vv {
			req.Header.Add(k, v)
		}
	}
	r.ServeHTTP(w, req)
	return w
}

func TestAuthHandlers(t *testing.T) {
	cases := []struct {
		name     string
		auth     *mockAuth
		path     string
		body     string
		wantCode int
		wantKey  string
		wantVal  any
	}{
		{"sign-up ok", &mockAuth{signUpID: 42}, "/auth/sign-up", `{"username":"u","password":"p"}`, http.StatusOK, "id", float64(42)},
		{"sign-up rejected", &mockAuth{signUpErr: service.ErrInvalidPassword}, "/auth/sign-up", `{"username":"u","password":"p"}`, http.StatusBadRequest, "error", service.ErrInvalidPassword.Error()},
		{"sign-up missing password", &mockAuth{}, "/auth/sign-up", `{"username":"u"}`, http.StatusBadRequest, "", nil},
		{"sign-in ok", &mockAuth{genTokenToken: "tok123"}, "/auth/sign-in", `{"username":"u","password":"p"}`, http.StatusOK, "token", "tok123"},
		{"sign-in wrong password", &mockAuth{genTokenErr: errors.New("nope")}, "/auth/sign-in", `{"username":"u","password":"x"}`, http.StatusUnauthorized, "error", "invalid credentials"},
		{"sign-in bad body", &mockAuth{}, "/auth/sign-in", `{"username":1}`, http.StatusBadRequest, "", nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := newTestRouter(&service.Service{Authorization: tc.auth})
			w := postJSON(r, tc.path, tc.body, nil)
			if w.Code != tc.wantCode {
				t.Fatalf("status=%d, want %d, body=%s", w.Code, tc.wantCode, w.Body.String())
			}
			if tc.wantKey == "" {
				return
			}
			var m map[string]any
			_ = json.Unmarshal(w.Body.Bytes(), &m)
			if m[tc.wantKey] != tc.wantVal {
				t.Fatalf("%s=%v, want %v", tc.wantKey, m[tc.wantKey], tc.wantVal)
			}
		})
	}
}
