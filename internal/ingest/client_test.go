package ingest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientFetchDecodes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"id":"metro","name":"Metro","routes":[{"route_id":"105","route_name":"Line 105"}]}`))
	}))
	defer srv.Close()

	got, err := NewClient(0).Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "metro", got.ID)
	require.Len(t, got.Routes, 1)
	assert.Equal(t, "105", got.Routes[0].RouteID)
}

func TestClientFetchErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewClient(0).Fetch(context.Background(), srv.URL)
	require.Error(t, err)

	_, err = NewClient(0).Fetch(context.Background(), "")
	require.Error(t, err)
}

func TestClientFetchRejectsMissingAgencyID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"name":"nameless"}`))
	}))
	defer srv.Close()

	_, err := NewClient(0).Fetch(context.Background(), srv.URL)
	require.Error(t, err)
}
