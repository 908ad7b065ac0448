package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apimw "github.com/datahub/postoffice/internal/api/middleware"
	"github.com/datahub/postoffice/internal/domain"
	"github.com/datahub/postoffice/internal/service"
)

const (
	HeaderBundleID        = "X-Bundle-Id"
	HeaderNotificationIDs = "X-Notification-Ids"
	HeaderOrigin          = "X-Origin"
	HeaderMessageType     = "X-Message-Type"
)

// Peeker hands out the next bundle for a recipient.
type Peeker interface {
	Peek(ctx context.Context, recipient string) (*service.PeekResult, error)
}

// Dequeuer acknowledges a previously peeked bundle.
type Dequeuer interface {
	Dequeue(ctx context.Context, bundleID uuid.UUID, notificationIDs []uuid.UUID) error
}

// MailboxHandler serves the recipient-facing peek and dequeue endpoints.
type MailboxHandler struct {
	peek    Peeker
	dequeue Dequeuer
	logger  *zap.Logger
}

func NewMailboxHandler(peek Peeker, dequeue Dequeuer, logger *zap.Logger) *MailboxHandler {
	return &MailboxHandler{peek: peek, dequeue: dequeue, logger: logger}
}

// Peek handles GET /peek?recipient=<gln>
//
// @Summary  Peek the next bundle for a recipient
// @Tags     mailbox
// @Produce  octet-stream
// @Param    recipient  query  string  true  "Recipient GLN"
// @Success  200  "Bundle content"
// @Success  204  "Nothing pending"
// @Failure  409  {object}  map[string]string
// @Failure  422  {object}  map[string]string
// @Failure  502  {object}  map[string]string
// @Failure  503  {object}  map[string]string
// @Router   /peek [get]
func (h *MailboxHandler) Peek(w http.ResponseWriter, r *http.Request) {
	recipient := r.URL.Query().Get("recipient")
	if recipient == "" {
		respondError(w, http.StatusUnprocessableEntity, "recipient is required")
		return
	}

	log := h.logger.With(
		zap.String("recipient", recipient),
		zap.String("correlation_id", apimw.GetCorrelationID(r.Context())),
	)

	res, err := h.peek.Peek(r.Context(), recipient)
	if err != nil {
		log.Warn("peek failed", zap.Error(err))
		mapError(w, err)
		return
	}
	if res == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	body, err := res.Content.Open(r.Context())
	switch {
	case errors.Is(err, domain.ErrContentUnavailable):
		// The bundle is still valid and must be dequeued; only its payload is gone.
		log.Warn("bundle content unavailable", zap.Stringer("bundle_id", res.Bundle.ID), zap.Error(err))
		writeBundleHeaders(w, res.Bundle)
		w.WriteHeader(http.StatusOK)
		return
	case err != nil:
		log.Error("open bundle content", zap.Stringer("bundle_id", res.Bundle.ID), zap.Error(err))
		mapError(w, err)
		return
	}
	defer body.Close()

	writeBundleHeaders(w, res.Bundle)
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, body); err != nil {
		log.Warn("stream bundle content", zap.Stringer("bundle_id", res.Bundle.ID), zap.Error(err))
	}
}

// Dequeue handles DELETE /dequeue
//
// @Summary  Acknowledge a peeked bundle
// @Tags     mailbox
// @Accept   json
// @Produce  json
// @Param    body  body  domain.DequeueRequest  true  "Bundle to acknowledge"
// @Success  200  {object}  map[string]string
// @Failure  404  {object}  map[string]string
// @Failure  422  {object}  map[string]string
// @Router   /dequeue [delete]
func (h *MailboxHandler) Dequeue(w http.ResponseWriter, r *http.Request) {
	var req domain.DequeueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusUnprocessableEntity, "invalid JSON body")
		return
	}

	if err := h.dequeue.Dequeue(r.Context(), req.BundleID, req.NotificationIDs); err != nil {
		h.logger.Warn("dequeue failed",
			zap.Stringer("bundle_id", req.BundleID),
			zap.String("correlation_id", apimw.GetCorrelationID(r.Context())),
			zap.Error(err),
		)
		mapError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "dequeued", "bundle_id": req.BundleID.String()})
}

func writeBundleHeaders(w http.ResponseWriter, b *domain.Bundle) {
	ids := make([]string, len(b.NotificationIDs))
	for i, id := range b.NotificationIDs {
		ids[i] = id.String()
	}
	w.Header().Set(HeaderBundleID, b.ID.String())
	w.Header().Set(HeaderNotificationIDs, strings.Join(ids, ","))
	w.Header().Set(HeaderOrigin, string(b.Origin))
	w.Header().Set(HeaderMessageType, b.ContentType)
}
