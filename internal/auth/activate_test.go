package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIFlowActivator_TopLevelKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer at-1", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"apiKey": "sk-iflow", "email": "dev@example.com"}`))
	}))
	defer srv.Close()

	token := &Token{AccessToken: "at-1"}
	act := &IFlowActivator{UserInfoURL: srv.URL}
	require.NoError(t, act.Activate(context.Background(), srv.Client(), token))
	require.Equal(t, "sk-iflow", token.APIKey)
	require.Equal(t, "dev@example.com", token.Email)
}

func TestIFlowActivator_NestedDataObject(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"data": {"apiKey": "sk-nested", "picture": "https://example.com/p.png"}}`))
	}))
	defer srv.Close()

	token := &Token{AccessToken: "at-1"}
	act := &IFlowActivator{UserInfoURL: srv.URL}
	require.NoError(t, act.Activate(context.Background(), srv.Client(), token))
	require.Equal(t, "sk-nested", token.APIKey)
	require.Equal(t, "https://example.com/p.png", token.Picture)
}

func TestIFlowActivator_MissingKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"email": "dev@example.com"}`))
	}))
	defer srv.Close()

	act := &IFlowActivator{UserInfoURL: srv.URL}
	err := act.Activate(context.Background(), srv.Client(), &Token{AccessToken: "at-1"})
	require.ErrorContains(t, err, "apiKey")
}

func TestGeminiActivator_PicksHighestTier(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		_, _ = w.Write([]byte(`{
			"cloudaicompanionProject": "fallback-project",
			"allowedTiers": [
				{"id": "free", "cloudaicompanionProject": "free-project"},
				{"id": "standard", "isDefault": true, "cloudaicompanionProject": "standard-project"},
				{"id": "enterprise", "cloudaicompanionProject": "enterprise-project"}
			]
		}`))
	}))
	defer srv.Close()

	token := &Token{AccessToken: "at-1"}
	act := &GeminiActivator{ProjectListURL: srv.URL}
	require.NoError(t, act.Activate(context.Background(), srv.Client(), token))
	require.Equal(t, "enterprise-project", token.ProjectID)
}

func TestGeminiActivator_DefaultBreaksTies(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{
			"allowedTiers": [
				{"id": "standard", "cloudaicompanionProject": "plain-standard"},
				{"id": "standard", "isDefault": true, "cloudaicompanionProject": "default-standard"}
			]
		}`))
	}))
	defer srv.Close()

	token := &Token{AccessToken: "at-1"}
	act := &GeminiActivator{ProjectListURL: srv.URL}
	require.NoError(t, act.Activate(context.Background(), srv.Client(), token))
	require.Equal(t, "default-standard", token.ProjectID)
}

func TestGeminiActivator_NoProject(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"allowedTiers": []}`))
	}))
	defer srv.Close()

	act := &GeminiActivator{ProjectListURL: srv.URL}
	err := act.Activate(context.Background(), srv.Client(), &Token{AccessToken: "at-1"})
	require.ErrorContains(t, err, "no usable project")
}
