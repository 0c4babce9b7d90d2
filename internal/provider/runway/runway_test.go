package runway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/duaia/backend/internal/models"
	"github.com/duaia/backend/internal/provider"
)

func TestSubmit_TextToVideo(t *testing.T) {
	var gotPath, gotVersion string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotVersion = r.Header.Get("X-Runway-Version")
		gotBody, _ = io.ReadAll(r.Body)
		_, _ = w.Write([]byte(`{"id":"rw-1"}`))
	}))
	defer srv.Close()

	a := New(Config{BaseURL: srv.URL, APIKey: "k", RPS: 100, Burst: 10})
	id, err := a.Submit(context.Background(), models.OpGenerateVideo, json.RawMessage(`{"promptText":"a fox in snow"}`))
	require.NoError(t, err)
	assert.Equal(t, "rw-1", id)
	assert.Equal(t, "/text_to_video", gotPath)
	assert.Equal(t, APIVersion, gotVersion)
	assert.Equal(t, "gen4_turbo", gjson.GetBytes(gotBody, "model").String())
}

func TestSubmit_KeepsCallerModel(t *testing.T) {
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		_, _ = w.Write([]byte(`{"id":"rw-2"}`))
	}))
	defer srv.Close()

	a := New(Config{BaseURL: srv.URL, RPS: 100, Burst: 10})
	_, err := a.Submit(context.Background(), models.OpImageToVideo, json.RawMessage(`{"model":"gen3a_turbo","promptImage":"https://x/y.png"}`))
	require.NoError(t, err)
	assert.Equal(t, "gen3a_turbo", gjson.GetBytes(gotBody, "model").String())
}

func TestSubmit_Unsupported(t *testing.T) {
	a := New(Config{})
	_, err := a.Submit(context.Background(), models.OpGenerateMusic, nil)
	assert.ErrorIs(t, err, provider.ErrUnsupportedOperation)
}

func TestPoll(t *testing.T) {
	cases := []struct {
		body string
		want provider.Status
	}{
		{`{"id":"x","status":"PENDING"}`, provider.Processing{Progress: "PENDING"}},
		{`{"id":"x","status":"RUNNING","progress":0.5}`, provider.Processing{Progress: "RUNNING 50%"}},
		{`{"id":"x","status":"SUCCEEDED","output":["https://cdn/v.mp4"]}`, provider.Succeeded{Result: json.RawMessage(`["https://cdn/v.mp4"]`)}},
		{`{"id":"x","status":"FAILED","failure":"content moderated","failureCode":"SAFETY"}`, provider.Failed{Reason: "SAFETY: content moderated"}},
		{`{"id":"x","status":"CANCELLED"}`, provider.Failed{Reason: "CANCELLED"}},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/tasks/x", r.URL.Path)
			_, _ = w.Write([]byte(tc.body))
		}))
		a := New(Config{BaseURL: srv.URL, RPS: 100, Burst: 10})
		got, err := a.Poll(context.Background(), models.OpGenerateVideo, "x")
		srv.Close()
		require.NoError(t, err)
		assert.Equal(t, tc.want, got)
	}
}

func TestPoll_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	a := New(Config{BaseURL: srv.URL, RPS: 100, Burst: 10})
	_, err := a.Poll(context.Background(), models.OpGenerateVideo, "missing")
	var httpErr *provider.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusNotFound, httpErr.StatusCode)
}
