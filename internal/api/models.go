package api

import (
	"net/http"
	"sort"
	"time"

	"github.com/goccy/go-json"
)

type modelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

type modelList struct {
	Object string       `json:"object"`
	Data   []modelEntry `json:"data"`
}

// handleModels merges every configured provider's model table into one
// OpenAI-shaped catalog.
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	now := time.Now().Unix()
	list := modelList{Object: "list"}
	seen := make(map[string]bool)

	for providerID, pc := range s.gateway.cfg.Providers {
		for modelID := range pc.Models {
			if seen[modelID] {
				continue
			}
			seen[modelID] = true
			list.Data = append(list.Data, modelEntry{
				ID:      modelID,
				Object:  "model",
				Created: now,
				OwnedBy: providerID,
			})
		}
	}
	sort.Slice(list.Data, func(i, j int) bool { return list.Data[i].ID < list.Data[j].ID })

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(list); err != nil {
		s.logger.WithRequestID(r.Context()).Debug("models write failed", "error", err)
	}
}
