package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSameOrigin(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	tests := []struct {
		name       string
		allowed    []string
		method     string
		headers    map[string]string
		wantStatus int
	}{
		{"get from anywhere", nil, http.MethodGet, map[string]string{"Origin": "https://evil.example"}, http.StatusNoContent},
		{"own origin", nil, http.MethodPost, map[string]string{"Origin": "http://dash.test"}, http.StatusNoContent},
		{"foreign origin", nil, http.MethodPost, map[string]string{"Origin": "https://evil.example"}, http.StatusForbidden},
		{"listed origin", []string{"https://ops.example"}, http.MethodPost, map[string]string{"Origin": "https://ops.example"}, http.StatusNoContent},
		{"wildcard", []string{"*"}, http.MethodPost, map[string]string{"Origin": "https://evil.example"}, http.StatusNoContent},
		{"opaque origin", nil, http.MethodPost, map[string]string{"Origin": "null"}, http.StatusForbidden},
		{"foreign referer", nil, http.MethodPost, map[string]string{"Referer": "https://evil.example/page"}, http.StatusForbidden},
		{"own referer", nil, http.MethodPost, map[string]string{"Referer": "http://dash.test/dashboard"}, http.StatusNoContent},
		{"fetch metadata same origin", nil, http.MethodPost, map[string]string{"Sec-Fetch-Site": "same-origin", "Origin": "https://proxy.example"}, http.StatusNoContent},
		{"fetch metadata cross site", nil, http.MethodPost, map[string]string{"Sec-Fetch-Site": "cross-site"}, http.StatusForbidden},
		{"no browser headers", nil, http.MethodPost, nil, http.StatusNoContent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "http://dash.test/bots/2/toggle", nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			SameOrigin(tt.allowed)(next).ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
		})
	}
}

func TestOriginHosts(t *testing.T) {
	assert.Equal(t, []string{"ops.example:8443", "*"}, OriginHosts([]string{"https://ops.example:8443", "*", "not a url"}))
	assert.Empty(t, OriginHosts(nil))
}
