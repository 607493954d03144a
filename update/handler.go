package update

import (
	"context"
	"errors"

	"github.com/zkorum/mathupdater/core"
)

// Handler is the queue job handler around Updater. It locks the marker
// before the run and clears it afterwards only if no newer request came in.
type Handler struct {
	markers MarkerStore
	updater *Updater
	logger  core.Logger
}

// NewHandler creates a Handler.
func NewHandler(markers MarkerStore, updater *Updater, logger core.Logger) *Handler {
	return &Handler{
		markers: markers,
		updater: updater,
		logger:  core.WithComponent(logger, "mathupdater/update"),
	}
}

// HandleJob implements core.JobHandler.
func (h *Handler) HandleJob(ctx context.Context, job *core.Job) error {
	p := job.Payload
	if p.IsProbe() {
		h.logger.InfoWithContext(ctx, "Startup probe job processed", map[string]interface{}{
			"operation": "probe",
			"job_id":    job.ID,
		})
		return nil
	}

	if err := h.markers.LockForUpdate(ctx, p.ConversationID); err != nil {
		return err
	}
	counters, changed, err := h.markers.ReconcileCounters(ctx, p.ConversationID)
	if err != nil {
		return err
	}
	if changed {
		h.logger.InfoWithContext(ctx, "Conversation counters reconciled", map[string]interface{}{
			"conversation_id":   p.ConversationID,
			"opinion_count":     counters.OpinionCount,
			"vote_count":        counters.VoteCount,
			"participant_count": counters.ParticipantCount,
		})
	}

	res := h.updater.Run(ctx, p.ConversationID)
	if res.Err == nil {
		cleared, err := h.markers.MarkProcessed(ctx, p.ConversationID, p.RequestVersion)
		if err != nil {
			return err
		}
		if !cleared {
			h.logger.InfoWithContext(ctx, "New votes arrived during update, conversation stays dirty", map[string]interface{}{
				"conversation_id": p.ConversationID,
				"requested_at":    p.RequestedAt,
				"request_version": p.RequestVersion,
			})
		}
		return nil
	}

	newer, err := h.markers.HasNewerRequest(ctx, p.ConversationID, p.RequestVersion)
	if err != nil {
		h.logger.WarnWithContext(ctx, "Could not check for newer request", map[string]interface{}{
			"conversation_id": p.ConversationID,
			"error":           err.Error(),
		})
	} else if newer {
		h.logger.InfoWithContext(ctx, "Stale job failed, a newer request will be picked up", map[string]interface{}{
			"conversation_id": p.ConversationID,
			"failed_at":       string(res.FailedAt),
			"error":           res.Err.Error(),
		})
		return nil
	}

	h.logger.ErrorWithContext(ctx, "Conversation update failed", map[string]interface{}{
		"conversation_id": p.ConversationID,
		"failed_at":       string(res.FailedAt),
		"error":           res.Err.Error(),
		"retryable":       core.IsRetryable(res.Err),
		"not_found":       errors.Is(res.Err, core.ErrConversationNotFound),
	})
	return res.Err
}
