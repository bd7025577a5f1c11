package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pathmark/backend/internal/auth"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":true}`))
	})
}

func TestFeatureGate(t *testing.T) {
	t.Run("enabled passes through", func(t *testing.T) {
		rec := httptest.NewRecorder()
		FeatureGate(true)(okHandler()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("disabled answers 404", func(t *testing.T) {
		rec := httptest.NewRecorder()
		FeatureGate(false)(okHandler()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.JSONEq(t, `{"error":"Feature not available"}`, rec.Body.String())
	})
}

func TestHSTS(t *testing.T) {
	rec := httptest.NewRecorder()
	HSTS(true)(okHandler()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Contains(t, rec.Header().Get("Strict-Transport-Security"), "max-age=31536000")

	rec = httptest.NewRecorder()
	HSTS(false)(okHandler()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Empty(t, rec.Header().Get("Strict-Transport-Security"))
}

func TestRateLimiter_InMemory(t *testing.T) {
	rl := NewRateLimiter(nil, 3)
	h := rl.Middleware(okHandler())

	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "10.0.0.1:5000"
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code, "request %d", i)
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:5000"
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))

	// A different client has its own window.
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.2:5000"
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimiter_KeysOnPrincipal(t *testing.T) {
	rl := NewRateLimiter(nil, 1)
	h := rl.Middleware(okHandler())

	reqFor := func(deviceID int64) *http.Request {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "10.0.0.1:5000"
		p := &auth.Principal{Kind: auth.KindDeviceToken, DeviceID: deviceID}
		return req.WithContext(auth.WithPrincipal(req.Context(), p))
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, reqFor(1))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, reqFor(1))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	// Same IP, different device: separate budget.
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, reqFor(2))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRequireKind(t *testing.T) {
	h := RequireKind(auth.KindDeviceToken)(okHandler())

	t.Run("matching kind", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		p := &auth.Principal{Kind: auth.KindDeviceToken, DeviceID: 1}
		req = req.WithContext(auth.WithPrincipal(req.Context(), p))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("wrong kind", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		p := &auth.Principal{Kind: auth.KindAPIKey}
		req = req.WithContext(auth.WithPrincipal(req.Context(), p))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("no principal", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})
}

func TestRequireAdmin(t *testing.T) {
	h := RequireAdmin()(okHandler())

	cases := []struct {
		name string
		p    *auth.Principal
		want int
	}{
		{"admin api key", &auth.Principal{Kind: auth.KindAPIKey, IsAdmin: true}, http.StatusOK},
		{"plain api key", &auth.Principal{Kind: auth.KindAPIKey}, http.StatusForbidden},
		{"device token", &auth.Principal{Kind: auth.KindDeviceToken}, http.StatusForbidden},
		{"user session", &auth.Principal{Kind: auth.KindUserSession}, http.StatusOK},
		{"anonymous", nil, http.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tc.p != nil {
				req = req.WithContext(auth.WithPrincipal(req.Context(), tc.p))
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tc.want, rec.Code)
		})
	}
}
