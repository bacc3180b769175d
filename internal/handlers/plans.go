package handlers

import (
	"net/http"

	"github.com/PortNumber53/gymhub/backend/internal/plans"
)

// Plans lists the purchasable membership plans.
func Plans(catalog *plans.Catalog) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"plans": catalog.List()})
	}
}
