package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"crossquery.app/conductor/internal/availability"
	"crossquery.app/conductor/internal/model"
	"crossquery.app/conductor/internal/oerr"
	"crossquery.app/conductor/internal/registry"
)

type SourceHandler struct {
	registry *registry.Registry
	prober   *availability.Prober // nil when probing is disabled
}

func NewSourceHandler(reg *registry.Registry, prober *availability.Prober) *SourceHandler {
	return &SourceHandler{registry: reg, prober: prober}
}

type sourceView struct {
	ID     string             `json:"id"`
	Kind   model.SourceKind   `json:"kind"`
	Caps   []model.Capability `json:"capabilities"`
	Status model.SourceStatus `json:"status"`
}

// List returns the configured sources with their latest availability.
// URIs and credentials never leave the server.
func (h *SourceHandler) List(c *gin.Context) {
	var statuses map[string]model.SourceStatus
	if h.prober != nil {
		statuses = h.prober.Statuses()
	}

	sources := h.registry.List()
	out := make([]sourceView, len(sources))
	for i, src := range sources {
		status, ok := statuses[src.ID]
		if !ok {
			status = model.StatusUnknown
		}
		out[i] = sourceView{
			ID:     src.ID,
			Kind:   src.Kind,
			Caps:   src.Caps,
			Status: status,
		}
	}

	c.JSON(http.StatusOK, gin.H{"sources": out})
}

// Schema returns the stored schema summary for one source.
func (h *SourceHandler) Schema(c *gin.Context) {
	sourceID := c.Param("source_id")

	summary, err := h.registry.SchemaSummary(sourceID)
	if err != nil {
		if oerr.KindOf(err) == oerr.KindNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "source not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch schema"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"source_id": sourceID, "schema_summary": summary})
}
