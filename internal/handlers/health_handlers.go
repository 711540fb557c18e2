package handlers

import "net/http"

type StatsSource interface {
	Stats() map[string]int
}

type HealthHandlers struct {
	stats      StatsSource
	busBackend string
}

func NewHealthHandlers(stats StatsSource, busBackend string) *HealthHandlers {
	return &HealthHandlers{stats: stats, busBackend: busBackend}
}

func (h *HealthHandlers) Health(w http.ResponseWriter, r *http.Request) {
	stats := h.stats.Stats()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"bus":         h.busBackend,
		"connections": stats["connections"],
		"rooms":       stats["rooms"],
	})
}
