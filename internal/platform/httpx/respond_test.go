package httpx

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRespondErrorMapping(t *testing.T) {
	cases := map[error]int{
		ErrNotFound:                            http.StatusNotFound,
		ErrDuplicate:                           http.StatusConflict,
		fmt.Errorf("%w: stale", ErrConflict):   http.StatusConflict,
		ErrValidation:                          http.StatusBadRequest,
		ErrForbidden:                           http.StatusForbidden,
		ErrUnauthorized:                        http.StatusUnauthorized,
		fmt.Errorf("%w: lock", ErrUnavailable): http.StatusServiceUnavailable,
		fmt.Errorf("db exploded"):              http.StatusInternalServerError,
	}
	for err, status := range cases {
		rec := httptest.NewRecorder()
		RespondError(rec, err)
		require.Equal(t, status, rec.Code, err.Error())
		require.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))

		var p ProblemDetail
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
		require.Equal(t, status, p.Status)
		if status == http.StatusInternalServerError {
			require.Empty(t, p.Detail)
		}
	}
}

func TestDecodeJSON(t *testing.T) {
	var v struct {
		Name string `json:"name"`
	}
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"hr_officer"}`))
	require.NoError(t, DecodeJSON(req, &v))
	require.Equal(t, "hr_officer", v.Name)

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":`))
	require.Error(t, DecodeJSON(req, &v))

	big := `{"name":"` + strings.Repeat("a", MaxBodyBytes) + `"}`
	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(big))
	require.ErrorIs(t, DecodeJSON(req, &v), ErrBodyTooLarge)
}
