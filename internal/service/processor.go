package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/septivank/vetsync-engine/internal/broadcast"
	"github.com/septivank/vetsync-engine/internal/db"
	"github.com/septivank/vetsync-engine/internal/domain"
	"github.com/septivank/vetsync-engine/internal/logging"
	"github.com/septivank/vetsync-engine/internal/repository"
)

// LiveStatusProcessor folds broadcast events from the exchange into the
// live status read model
type LiveStatusProcessor struct {
	repo   repository.Repository
	logger *zap.Logger
	now    func() time.Time
}

// NewLiveStatusProcessor creates a new processor
func NewLiveStatusProcessor(repo repository.Repository, logger *zap.Logger) *LiveStatusProcessor {
	return &LiveStatusProcessor{repo: repo, logger: logger, now: time.Now}
}

type linkData struct {
	State    string `json:"state"`
	Degraded bool   `json:"degraded"`
}

// ProcessMessage processes one broadcast event. Device-level events and
// events older than the stored status are ignored.
func (p *LiveStatusProcessor) ProcessMessage(ctx context.Context, body []byte) error {
	var ev broadcast.Envelope
	if err := json.Unmarshal(body, &ev); err != nil {
		return fmt.Errorf("failed to unmarshal message: %w", err)
	}
	if ev.SessionID == 0 {
		return nil
	}

	logger := logging.WithSessionID(p.logger, ev.SessionID)
	status, err := p.repo.GetLiveStatus(ctx, ev.SessionID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("failed to load live status: %w", err)
	}
	if ev.At.Before(status.LastEventAt) {
		logger.Debug("stale event skipped", zap.String("type", string(ev.Type)))
		return nil
	}

	if err := apply(&status, ev); err != nil {
		return err
	}
	status.SessionID = ev.SessionID
	if ev.CollarID != "" {
		status.CollarID = ev.CollarID
	}
	status.LastEventType = string(ev.Type)
	status.LastEventAt = ev.At
	status.UpdatedAt = p.now().UTC()

	if err := p.repo.PutLiveStatus(ctx, status); err != nil {
		logger.Error("failed to store live status", zap.Error(err))
		return fmt.Errorf("failed to store live status: %w", err)
	}
	logger.Debug("live status updated", zap.String("type", string(ev.Type)))
	return nil
}

func apply(status *db.LiveStatus, ev broadcast.Envelope) error {
	switch ev.Type {
	case broadcast.EventVitals:
		var v domain.VitalSample
		if err := json.Unmarshal(ev.Data, &v); err != nil {
			return fmt.Errorf("failed to decode vitals: %w", err)
		}
		status.HeartRate = &v.HeartRate
		status.RespirationRate = &v.RespirationRate
		if v.State != "" {
			status.State = string(v.State)
		}

	case broadcast.EventStateChanged:
		var t domain.Transition
		if err := json.Unmarshal(ev.Data, &t); err != nil {
			return fmt.Errorf("failed to decode transition: %w", err)
		}
		status.State = string(t.To)

	case broadcast.EventLinkStatus, broadcast.EventLinkDegraded, broadcast.EventLinkLost:
		var l linkData
		if err := json.Unmarshal(ev.Data, &l); err != nil {
			return fmt.Errorf("failed to decode link status: %w", err)
		}
		status.LinkState = l.State
		if l.Degraded && l.State != "lost" {
			status.LinkState = "degraded"
		}

	case broadcast.EventVitalsAlert:
		status.AlertCount++
	}
	return nil
}
