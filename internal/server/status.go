package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/abjerry97/duespay/api"
	"github.com/abjerry97/duespay/internal/processors"
)

// streamStatus polls referenceID for as long as the client stays connected
// and writes every update as a server-sent event. Closing the connection
// cancels the poller.
func (s *APIServer) streamStatus(c *gin.Context, referenceID string, cfg processors.PollConfig, onUpdate func(ctx context.Context, update api.StatusUpdate)) {
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	poller := processors.NewStatusPoller(s.fetcher, referenceID, cfg)
	remove := s.watchers.Add(poller)
	defer remove()

	updates := make(chan api.StatusUpdate, 8)
	go func() {
		defer close(updates)
		state, err := poller.Run(ctx, func(update api.StatusUpdate) {
			select {
			case updates <- update:
			case <-ctx.Done():
			}
		})
		log.WithFields(log.Fields{"reference_id": referenceID, "state": state}).WithError(err).Debug("status stream poller exited")
	}()

	c.Header("Content-Type", "text/event-stream;charset=utf-8")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	c.SSEvent("connected", gin.H{"reference_id": referenceID, "max_attempts": cfg.MaxAttempts})
	c.Writer.Flush()

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case update, ok := <-updates:
			if !ok {
				c.SSEvent("done", gin.H{"reference_id": referenceID})
				return false
			}
			if onUpdate != nil && update.State != api.StateChecking {
				onUpdate(ctx, update)
			}
			c.SSEvent("status", update)
			return true
		case <-heartbeat.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			return true
		case <-ctx.Done():
			return false
		}
	})
}

// handleFlowStatusStream follows the submission of a wizard flow and keeps
// the flow's verification state in step.
func (s *APIServer) handleFlowStatusStream(c *gin.Context) {
	flowID := c.Param("flow_id")
	referenceID, err := s.flows.Reference(c.Request.Context(), flowID)
	if err != nil {
		s.respondError(c, err)
		return
	}

	s.streamStatus(c, referenceID, s.wizardPolling, func(ctx context.Context, update api.StatusUpdate) {
		if _, err := s.flows.SetVerification(ctx, flowID, update.State); err != nil {
			log.WithError(err).WithField("flow_id", flowID).Warn("failed to store verification state")
		}
	})
}

// handleFlowStatusRefresh re-checks immediately. Live streams for the flow
// are poked; without one a single check is made and returned.
func (s *APIServer) handleFlowStatusRefresh(c *gin.Context) {
	ctx := c.Request.Context()
	flowID := c.Param("flow_id")
	referenceID, err := s.flows.Reference(ctx, flowID)
	if err != nil {
		s.respondError(c, err)
		return
	}

	if n := s.watchers.Refresh(referenceID); n > 0 {
		c.JSON(http.StatusAccepted, gin.H{"success": true, "reference_id": referenceID, "refreshed": n})
		return
	}

	update, err := processors.CheckOnce(ctx, s.fetcher, referenceID, s.wizardPolling.RequestTimeout)
	if err != nil {
		s.respondError(c, err)
		return
	}
	if _, err := s.flows.SetVerification(ctx, flowID, update.State); err != nil {
		log.WithError(err).WithField("flow_id", flowID).Warn("failed to store verification state")
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "reference_id": referenceID, "status": update})
}

// handlePaymentStatus answers the payment-callback page from what is already
// known and schedules a background check when the answer is not final.
func (s *APIServer) handlePaymentStatus(c *gin.Context) {
	ctx := c.Request.Context()
	referenceID := strings.TrimSpace(c.Param("reference"))

	var cached *api.StatusUpdate
	if s.statuses != nil {
		var err error
		if cached, err = s.statuses.GetCachedStatus(ctx, referenceID); err != nil {
			log.WithError(err).WithField("reference_id", referenceID).Warn("status cache read failed")
		}
	}
	if cached != nil && cached.State == api.StateVerified {
		c.JSON(http.StatusOK, gin.H{"success": true, "source": "cache", "status": cached})
		return
	}

	if s.ledger != nil {
		record, err := s.ledger.GetSubmission(ctx, referenceID)
		if err != nil {
			log.WithError(err).WithField("reference_id", referenceID).Warn("ledger read failed")
		}
		if record != nil && record.State == api.StateVerified {
			c.JSON(http.StatusOK, gin.H{"success": true, "source": "ledger", "status": recordUpdate(record)})
			return
		}
	}

	if s.statuses == nil {
		update, err := processors.CheckOnce(ctx, s.fetcher, referenceID, s.callbackPoll.RequestTimeout)
		if err != nil {
			s.respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "source": "live", "status": update})
		return
	}

	if err := s.statuses.EnqueueReference(ctx, referenceID); err != nil {
		s.respondError(c, err)
		return
	}
	if cached == nil {
		cached = &api.StatusUpdate{ReferenceID: referenceID, State: api.StateChecking, MaxAttempts: s.callbackPoll.MaxAttempts}
	}
	c.JSON(http.StatusAccepted, gin.H{"success": true, "source": "pending", "status": cached})
}

func (s *APIServer) handlePaymentStatusStream(c *gin.Context) {
	s.streamStatus(c, strings.TrimSpace(c.Param("reference")), s.callbackPoll, nil)
}

func recordUpdate(record *api.SubmissionRecord) api.StatusUpdate {
	update := api.StatusUpdate{
		ReferenceID: record.ReferenceID,
		State:       record.State,
		Status: &api.TransactionStatus{
			ReferenceID: record.ReferenceID,
			Exists:      true,
			IsVerified:  record.State == api.StateVerified,
			AmountPaid:  record.AmountPaid,
			ReceiptID:   record.ReceiptID,
		},
		CheckedAt: record.SubmittedAt,
	}
	if record.CheckedAt != nil {
		update.CheckedAt = *record.CheckedAt
	}
	return update
}
