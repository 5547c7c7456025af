package api

import (
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// keyInfo is the public view of a signing key. Private material never
// leaves the service.
type keyInfo struct {
	ID        string    `json:"id"`
	Status    string    `json:"status"`
	PublicKey string    `json:"public_key"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// KeyRotateHandler handles POST /v1/keys/rotate.
func (s *Server) KeyRotateHandler(w http.ResponseWriter, r *http.Request) {
	key, err := s.keys.Rotate(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("key rotation failed")
		writeError(w, http.StatusInternalServerError, "key rotation failed")
		return
	}
	keyRotations.Inc()

	writeJSON(w, http.StatusOK, keyInfo{
		ID:        key.ID,
		Status:    string(key.Status),
		PublicKey: string(key.PublicKey),
		CreatedAt: key.CreatedAt,
		UpdatedAt: key.UpdatedAt,
	})
}

// KeyListHandler handles GET /v1/keys.
func (s *Server) KeyListHandler(w http.ResponseWriter, r *http.Request) {
	stored, err := s.store.ListKeys(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	infos := make([]keyInfo, len(stored))
	for i, key := range stored {
		infos[i] = keyInfo{
			ID:        key.ID,
			Status:    string(key.Status),
			PublicKey: string(key.PublicKey),
			CreatedAt: key.CreatedAt,
			UpdatedAt: key.UpdatedAt,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": infos})
}
