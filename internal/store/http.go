package store

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
)

const maxPermissionsBodyBytes = 64 * 1024

// RegisterRoutes exposes s over HTTP:
//   - GET /rooms                       : every stored room
//   - GET /users/{id}/permissions      : a user's permissions document
//   - PUT /users/{id}/permissions      : replace it (JSON object body)
func RegisterRoutes(mux *http.ServeMux, s Store) {
	mux.HandleFunc("GET /rooms", func(w http.ResponseWriter, r *http.Request) {
		rooms, err := s.LoadRooms(r.Context())
		if err != nil {
			http.Error(w, "failed to load rooms", http.StatusInternalServerError)
			return
		}
		if rooms == nil {
			rooms = []Room{}
		}
		writeJSON(w, http.StatusOK, rooms)
	})

	mux.HandleFunc("GET /users/{id}/permissions", func(w http.ResponseWriter, r *http.Request) {
		p, err := s.GetUserPermissions(r.Context(), r.PathValue("id"))
		switch {
		case errors.Is(err, ErrNotFound):
			http.Error(w, "not found", http.StatusNotFound)
			return
		case err != nil:
			http.Error(w, "failed to load permissions", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, p)
	})

	mux.HandleFunc("PUT /users/{id}/permissions", func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPermissionsBodyBytes))
		if err != nil {
			http.Error(w, "body too large", http.StatusRequestEntityTooLarge)
			return
		}
		var p Permissions
		if err := json.Unmarshal(body, &p); err != nil || p == nil {
			http.Error(w, "body must be a JSON object", http.StatusBadRequest)
			return
		}
		if err := s.SetUserPermissions(r.Context(), r.PathValue("id"), p); err != nil {
			http.Error(w, "failed to store permissions", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
