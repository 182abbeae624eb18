package api

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/npezzotti/capstone-chat/internal/testutil"
	"github.com/stretchr/testify/assert"
)

func TestErrorHandler_PanicRecovery(t *testing.T) {
	logger, buf := testutil.BufferLogger()
	app := &GoChatApp{
		log: logger,
	}

	// handler that panics
	panicHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic(errors.New("test panic"))
	})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	handler := app.errorHandler(panicHandler)
	handler.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Equal(t, "close", rr.Header().Get("Connection"))
	assert.Contains(t, buf.String(), "test panic")
}

func Test_errorHandler_NoPanic(t *testing.T) {
	app := &GoChatApp{log: testutil.TestLogger(t)}

	called := false
	okHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	handler := app.errorHandler(okHandler)
	handler.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ok", rr.Body.String())
	assert.True(t, called, "expected handler to be called")
}

func Test_authMiddleware(t *testing.T) {
	app := &GoChatApp{
		log:        testutil.TestLogger(t),
		signingKey: testSigningKey,
	}

	next := func(w http.ResponseWriter, r *http.Request) {
		claims, ok := ClaimsFrom(r.Context())
		if !ok {
			w.WriteHeader(http.StatusTeapot)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(claims.UserId))
	}

	valid := testToken(t, "A")
	expired, err := NewToken(testSigningKey, Claims{UserId: "A"}, -time.Hour)
	assert.NoError(t, err)

	tests := []struct {
		name   string
		header string
		target string
		code   int
	}{
		{name: "valid header", header: "Bearer " + valid, target: "/", code: http.StatusOK},
		{name: "valid query", target: "/?token=" + valid, code: http.StatusOK},
		{name: "missing token", target: "/", code: http.StatusUnauthorized},
		{name: "expired token", header: "Bearer " + expired, target: "/", code: http.StatusUnauthorized},
		{name: "bad token", header: "Bearer nope", target: "/", code: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.target, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rr := httptest.NewRecorder()

			app.authMiddleware(next)(rr, req)

			assert.Equal(t, tt.code, rr.Code)
			if tt.code == http.StatusOK {
				assert.Equal(t, "A", rr.Body.String())
				assert.Contains(t, rr.Header().Get("Cache-Control"), "no-store")
			}
		})
	}
}
