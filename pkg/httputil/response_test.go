package httputil

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/platinummonkey/warden/pkg/errors"
)

func decodeResponse(t *testing.T, w *httptest.ResponseRecorder) Response {
	t.Helper()
	var resp Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestWriteSuccess(t *testing.T) {
	w := httptest.NewRecorder()

	err := WriteSuccess(w, map[string]string{"name": "manager"})

	assert.NoError(t, err)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	resp := decodeResponse(t, w)
	assert.True(t, resp.Success)
	assert.Contains(t, w.Body.String(), "manager")
}

func TestWriteCreated(t *testing.T) {
	w := httptest.NewRecorder()

	err := WriteCreated(w, map[string]int{"id": 7})

	assert.NoError(t, err)
	assert.Equal(t, http.StatusCreated, w.Code)
	assert.True(t, decodeResponse(t, w).Success)
}

func TestWriteAppError(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		wantStatus  int
		wantCode    string
		wantMessage string
	}{
		{
			name:        "authentication",
			err:         apperrors.New(apperrors.CodeExpiredToken, "token expired"),
			wantStatus:  http.StatusUnauthorized,
			wantCode:    "EXPIRED_TOKEN",
			wantMessage: "token expired",
		},
		{
			name:        "authorization",
			err:         apperrors.New(apperrors.CodeMissingPermission, "missing permission: campaigns.delete"),
			wantStatus:  http.StatusForbidden,
			wantCode:    "MISSING_PERMISSION",
			wantMessage: "missing permission: campaigns.delete",
		},
		{
			name:        "conflict",
			err:         apperrors.New(apperrors.CodeRoleInUse, "role in use"),
			wantStatus:  http.StatusConflict,
			wantCode:    "ROLE_IN_USE",
			wantMessage: "role in use",
		},
		{
			name:        "not found",
			err:         apperrors.New(apperrors.CodeRoleNotFound, "role not found: 9"),
			wantStatus:  http.StatusNotFound,
			wantCode:    "ROLE_NOT_FOUND",
			wantMessage: "role not found: 9",
		},
		{
			name:        "store unavailable hides cause",
			err:         apperrors.Unavailable("failed to load user roles", errors.New("dial tcp 10.0.0.1:5432: connection refused")),
			wantStatus:  http.StatusInternalServerError,
			wantCode:    "STORE_UNAVAILABLE",
			wantMessage: "authorization service unavailable",
		},
		{
			name:        "plain error",
			err:         errors.New("boom"),
			wantStatus:  http.StatusInternalServerError,
			wantCode:    "UNKNOWN",
			wantMessage: "internal server error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()

			WriteAppError(w, tt.err)

			assert.Equal(t, tt.wantStatus, w.Code)
			resp := decodeResponse(t, w)
			assert.False(t, resp.Success)
			assert.Equal(t, tt.wantCode, resp.Code)
			assert.Equal(t, tt.wantMessage, resp.Message)
			assert.NotContains(t, w.Body.String(), "10.0.0.1")
		})
	}
}

func TestWriteDenial_Details(t *testing.T) {
	w := httptest.NewRecorder()

	WriteDenial(w, apperrors.New(apperrors.CodeMissingPermission, "missing permission: campaigns.delete"), &DenialDetails{
		UserRole:           "manager",
		RequiredPermission: "campaigns.delete",
		AvailableActions:   []string{"read", "update"},
	})

	assert.Equal(t, http.StatusForbidden, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, `"userRole":"manager"`)
	assert.Contains(t, body, `"requiredPermission":"campaigns.delete"`)
	assert.Contains(t, body, `"availableActions":["read","update"]`)
}
