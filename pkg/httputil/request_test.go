package httputil

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/warden/pkg/contextkeys"
	apperrors "github.com/platinummonkey/warden/pkg/errors"
)

type createRequest struct {
	Name  string `json:"name" validate:"required,min=2"`
	Level int    `json:"level" validate:"min=0,max=100"`
}

func TestDecodeAndValidate(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"auditor","level":3}`))
		w := httptest.NewRecorder()

		var req createRequest
		ok := DecodeAndValidate(w, r, &req)

		assert.True(t, ok)
		assert.Equal(t, "auditor", req.Name)
		assert.Equal(t, 3, req.Level)
	})

	t.Run("malformed JSON", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":`))
		w := httptest.NewRecorder()

		var req createRequest
		ok := DecodeAndValidate(w, r, &req)

		assert.False(t, ok)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(), "INVALID_ARGUMENT")
	})

	t.Run("validation failure", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"a","level":500}`))
		w := httptest.NewRecorder()

		var req createRequest
		ok := DecodeAndValidate(w, r, &req)

		assert.False(t, ok)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(), "Name failed min")
		assert.Contains(t, w.Body.String(), "Level failed max")
	})
}

func TestParsePathInt64(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		want    int64
		wantErr bool
	}{
		{name: "valid", value: "42", want: 42},
		{name: "not a number", value: "abc", wantErr: true},
		{name: "zero", value: "0", wantErr: true},
		{name: "missing", value: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r = mux.SetURLVars(r, map[string]string{"id": tt.value})

			got, err := ParsePathInt64(r, "id")
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, apperrors.CodeInvalidArgument, apperrors.CodeOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseQueryBoolPtr(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/?active=false", nil)
	v, err := ParseQueryBoolPtr(r, "active")
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.False(t, *v)

	r = httptest.NewRequest(http.MethodGet, "/", nil)
	v, err = ParseQueryBoolPtr(r, "active")
	require.NoError(t, err)
	assert.Nil(t, v)

	r = httptest.NewRequest(http.MethodGet, "/?active=maybe", nil)
	_, err = ParseQueryBoolPtr(r, "active")
	assert.Error(t, err)
}

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	handler := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = contextkeys.GetRequestID(r.Context())
	}))

	t.Run("generates ID", func(t *testing.T) {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

		assert.NotEmpty(t, seen)
		assert.Equal(t, seen, w.Header().Get(RequestIDHeader))
	})

	t.Run("keeps valid incoming ID", func(t *testing.T) {
		id := "3b241101-e2bb-4255-8caf-4136c566a962"
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.Header.Set(RequestIDHeader, id)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)

		assert.Equal(t, id, seen)
	})

	t.Run("replaces garbage ID", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.Header.Set(RequestIDHeader, "<script>")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)

		assert.NotEqual(t, "<script>", seen)
	})
}

func TestRecoveryAndLoggingMiddleware(t *testing.T) {
	log, hook := test.NewNullLogger()
	handler := Chain(
		RequestIDMiddleware,
		LoggingMiddleware(log),
		RecoveryMiddleware(log),
	)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("kaboom")
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/rbac/roles", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "internal server error")

	var sawPanic, sawRequest bool
	for _, e := range hook.AllEntries() {
		if e.Message == "Panic in handler" {
			sawPanic = true
		}
		if e.Message == "Request failed" {
			sawRequest = true
			assert.Equal(t, "/rbac/roles", e.Data["path"])
			assert.Equal(t, logrus.ErrorLevel, e.Level)
		}
	}
	assert.True(t, sawPanic)
	assert.True(t, sawRequest)
}
