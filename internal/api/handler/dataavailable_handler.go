package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	apimw "github.com/datahub/postoffice/internal/api/middleware"
	"github.com/datahub/postoffice/internal/domain"
)

// RequestIngester stores data-available notifications received over HTTP.
type RequestIngester interface {
	AddRequests(ctx context.Context, reqs []domain.DataAvailableRequest) (int, error)
}

// DataAvailableHandler accepts notifications from sub-domains that cannot
// publish to the broker.
type DataAvailableHandler struct {
	ingest RequestIngester
	logger *zap.Logger
}

func NewDataAvailableHandler(ingest RequestIngester, logger *zap.Logger) *DataAvailableHandler {
	return &DataAvailableHandler{ingest: ingest, logger: logger}
}

// Create handles POST /api/v1/dataavailable
//
// @Summary  Announce available data
// @Tags     dataavailable
// @Accept   json
// @Produce  json
// @Param    body  body      domain.DataAvailableBatchRequest  true  "Notifications"
// @Success  202   {object}  map[string]int
// @Failure  422   {object}  map[string]string
// @Router   /api/v1/dataavailable [post]
func (h *DataAvailableHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req domain.DataAvailableBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	n, err := h.ingest.AddRequests(r.Context(), req.Notifications)
	if err != nil {
		h.logger.Warn("data-available batch rejected",
			zap.Int("size", len(req.Notifications)),
			zap.String("correlation_id", apimw.GetCorrelationID(r.Context())),
			zap.Error(err),
		)
		mapError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]int{"accepted": n})
}
