package server

import (
	"encoding/json"
	"net/http"
)

// handleAgentCard serves the discovery document. Everything in it is
// static except the advertised URL.
func (s *Server) handleAgentCard(w http.ResponseWriter, r *http.Request) {
	card := AgentCard{
		Name:        s.config.Name,
		Description: s.config.Description,
		Version:     s.config.Version,
		Capabilities: CardCapabilities{
			Streaming:  true,
			Tools:      true,
			AsyncTasks: true,
		},
		URL: s.publicURL(r),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(card)
}

func (s *Server) publicURL(r *http.Request) string {
	if s.config.PublicURL != "" {
		return s.config.PublicURL
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}
