package auth

import (
	"bytes"
	"context"
	"fmt"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/routecodex/routecodex/internal/httputil"
)

// IFlowActivator trades a fresh OAuth token for the derived API key the
// iFlow inference endpoint actually accepts.
type IFlowActivator struct {
	UserInfoURL string
}

// Activate fetches userinfo and merges the derived key and identity into
// the token.
func (a *IFlowActivator) Activate(ctx context.Context, client *http.Client, token *Token) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.UserInfoURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token.AccessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("userinfo returned %d", resp.StatusCode)
	}

	body, err := httputil.ReadLimitedBody(resp.Body, 1<<20)
	if err != nil {
		return err
	}
	var payload struct {
		APIKey  string `json:"apiKey"`
		Email   string `json:"email"`
		Picture string `json:"picture"`
		Data    *struct {
			APIKey  string `json:"apiKey"`
			Email   string `json:"email"`
			Picture string `json:"picture"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return fmt.Errorf("parse userinfo: %w", err)
	}
	if payload.Data != nil {
		if payload.APIKey == "" {
			payload.APIKey = payload.Data.APIKey
		}
		if payload.Email == "" {
			payload.Email = payload.Data.Email
		}
		if payload.Picture == "" {
			payload.Picture = payload.Data.Picture
		}
	}
	if payload.APIKey == "" {
		return fmt.Errorf("userinfo response missing apiKey")
	}

	token.APIKey = payload.APIKey
	if payload.Email != "" {
		token.Email = payload.Email
	}
	if payload.Picture != "" {
		token.Picture = payload.Picture
	}
	return nil
}

// geminiTierRank orders Code Assist license tiers, highest first.
var geminiTierRank = map[string]int{
	"enterprise": 3,
	"standard":   2,
	"free":       1,
	"legacy":     0,
}

// GeminiActivator discovers the Cloud Code Assist billing project for the
// token. Requests without a project are rejected upstream.
type GeminiActivator struct {
	ProjectListURL string
}

// Activate lists the licensed projects and keeps the highest-tier one.
func (a *GeminiActivator) Activate(ctx context.Context, client *http.Client, token *Token) error {
	reqBody, err := json.Marshal(map[string]any{
		"metadata": map[string]string{"pluginType": "GEMINI"},
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.ProjectListURL, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token.AccessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("project discovery returned %d", resp.StatusCode)
	}

	body, err := httputil.ReadLimitedBody(resp.Body, 1<<20)
	if err != nil {
		return err
	}
	var payload struct {
		CloudAICompanionProject string `json:"cloudaicompanionProject"`
		AllowedTiers            []struct {
			ID        string `json:"id"`
			IsDefault bool   `json:"isDefault"`
			ProjectID string `json:"cloudaicompanionProject"`
		} `json:"allowedTiers"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return fmt.Errorf("parse project discovery: %w", err)
	}

	project := payload.CloudAICompanionProject
	best := -1
	for _, tier := range payload.AllowedTiers {
		if tier.ProjectID == "" {
			continue
		}
		rank := geminiTierRank[tier.ID]
		if tier.IsDefault {
			rank++
		}
		if rank > best {
			best = rank
			project = tier.ProjectID
		}
	}
	if project == "" {
		return fmt.Errorf("project discovery returned no usable project")
	}
	token.ProjectID = project
	return nil
}
