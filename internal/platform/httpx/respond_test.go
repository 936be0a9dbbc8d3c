package httpx

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProblemUsesProblemContentType(t *testing.T) {
	rr := httptest.NewRecorder()
	Problem(rr, http.StatusConflict, "Conflict", "already revoked")

	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, "application/problem+json", rr.Header().Get("Content-Type"))
	var body ProblemDetail
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, ProblemDetail{Title: "Conflict", Status: http.StatusConflict, Detail: "already revoked"}, body)
}

func TestDecodeJSON(t *testing.T) {
	type payload struct {
		Name string `json:"name"`
	}
	decode := func(body string) (payload, error) {
		var p payload
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
		return p, DecodeJSON(req, &p)
	}

	p, err := decode(`{"name":"rina"}` + "\n")
	require.NoError(t, err)
	assert.Equal(t, "rina", p.Name)

	_, err = decode("")
	assert.ErrorIs(t, err, io.EOF)

	_, err = decode(`{"name":"a"}{"name":"b"}`)
	assert.ErrorIs(t, err, ErrTrailingData)

	_, err = decode(`{"name":`)
	assert.Error(t, err)
}
