package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/septivank/vetsync-engine/internal/domain"
	"github.com/septivank/vetsync-engine/internal/logging"
	"github.com/septivank/vetsync-engine/internal/protocol"
	"github.com/septivank/vetsync-engine/internal/repository"
	"github.com/septivank/vetsync-engine/internal/validator"
)

// ErrInvalidUpload marks uploads the validator rejected
var ErrInvalidUpload = errors.New("invalid upload")

// ErrMissingKey is returned for uploads without an idempotency key
var ErrMissingKey = errors.New("idempotency key required")

// Upload identifies one upload request
type Upload struct {
	RequestID string
	DeviceID  string
	Key       string
	SessionID int64
}

// SyncService applies device uploads to the backend repository
type SyncService struct {
	repo      repository.Repository
	validator *validator.Validator
	logger    *zap.Logger
	now       func() time.Time
}

// NewSyncService creates a new sync service
func NewSyncService(repo repository.Repository, v *validator.Validator, logger *zap.Logger) *SyncService {
	return &SyncService{repo: repo, validator: v, logger: logger, now: time.Now}
}

func (s *SyncService) begin(u Upload, kind domain.EntityKind) (*zap.Logger, time.Time, error) {
	reqLogger := logging.WithRequestID(s.logger, u.RequestID).With(
		zap.String("device_id", u.DeviceID),
		zap.String("key", u.Key),
		zap.String("kind", string(kind)),
	)
	if u.Key == "" {
		return reqLogger, time.Time{}, ErrMissingKey
	}
	return reqLogger, s.now().UTC(), nil
}

func (s *SyncService) reject(logger *zap.Logger, res validator.ValidationResult) error {
	logger.Warn("upload rejected", zap.String("reason", res.Reason))
	return fmt.Errorf("%w: %s", ErrInvalidUpload, res.Reason)
}

// PushSession applies a session push. Stale pushes fail with
// *protocol.ConflictError.
func (s *SyncService) PushSession(ctx context.Context, u Upload, p protocol.SessionPush) (protocol.SessionAck, error) {
	logger, now, err := s.begin(u, domain.KindSession)
	if err != nil {
		return protocol.SessionAck{}, err
	}
	if res := s.validator.ValidateSessionPush(u.SessionID, p, now); !res.IsValid {
		return protocol.SessionAck{}, s.reject(logger, res)
	}

	ack, dup, err := s.repo.ApplySession(ctx, u.DeviceID, u.Key, p, now)
	var conflict *protocol.ConflictError
	if errors.As(err, &conflict) {
		logger.Info("session push conflicts",
			zap.Int64("base_version", p.BaseVersion),
			zap.Int64("remote_version", conflict.RemoteVersion),
			zap.String("remote_state", string(conflict.RemoteState)))
		return ack, err
	}
	if err != nil {
		logger.Error("failed to apply session push", zap.Error(err))
		return ack, fmt.Errorf("failed to apply session push: %w", err)
	}
	logger.Info("session push applied",
		zap.Bool("duplicate", dup),
		zap.Int64("version", ack.Version),
		zap.String("state", string(ack.State)))
	return ack, nil
}

// PushSamples applies a sample batch
func (s *SyncService) PushSamples(ctx context.Context, u Upload, b protocol.SampleBatch) (protocol.UploadAck, error) {
	logger, now, err := s.begin(u, domain.KindSampleBatch)
	if err != nil {
		return protocol.UploadAck{}, err
	}
	if res := s.validator.ValidateSampleBatch(u.SessionID, b, now); !res.IsValid {
		return protocol.UploadAck{}, s.reject(logger, res)
	}
	dup, err := s.repo.ApplySamples(ctx, u.DeviceID, u.Key, b, now)
	if err != nil {
		logger.Error("failed to apply sample batch", zap.Error(err))
		return protocol.UploadAck{}, fmt.Errorf("failed to apply sample batch: %w", err)
	}
	logger.Debug("sample batch applied", zap.Int("samples", len(b.Samples)), zap.Bool("duplicate", dup))
	return protocol.UploadAck{Key: u.Key, Duplicate: dup}, nil
}

// PushAnnotation applies one annotation
func (s *SyncService) PushAnnotation(ctx context.Context, u Upload, a domain.Annotation) (protocol.UploadAck, error) {
	logger, now, err := s.begin(u, domain.KindAnnotation)
	if err != nil {
		return protocol.UploadAck{}, err
	}
	if res := s.validator.ValidateAnnotation(u.SessionID, a, now); !res.IsValid {
		return protocol.UploadAck{}, s.reject(logger, res)
	}
	dup, err := s.repo.ApplyAnnotation(ctx, u.DeviceID, u.Key, a, now)
	if err != nil {
		logger.Error("failed to apply annotation", zap.Error(err))
		return protocol.UploadAck{}, fmt.Errorf("failed to apply annotation: %w", err)
	}
	return protocol.UploadAck{Key: u.Key, Duplicate: dup}, nil
}

// PushBaseline applies a frozen baseline
func (s *SyncService) PushBaseline(ctx context.Context, u Upload, b domain.BaselineData) (protocol.UploadAck, error) {
	logger, now, err := s.begin(u, domain.KindBaseline)
	if err != nil {
		return protocol.UploadAck{}, err
	}
	if res := s.validator.ValidateBaseline(u.SessionID, b); !res.IsValid {
		return protocol.UploadAck{}, s.reject(logger, res)
	}
	dup, err := s.repo.ApplyBaseline(ctx, u.DeviceID, u.Key, b, now)
	if err != nil {
		logger.Error("failed to apply baseline", zap.Error(err))
		return protocol.UploadAck{}, fmt.Errorf("failed to apply baseline: %w", err)
	}
	return protocol.UploadAck{Key: u.Key, Duplicate: dup}, nil
}

// GetSession returns the backend's view of a session
func (s *SyncService) GetSession(ctx context.Context, sessionID int64) (protocol.RemoteSession, error) {
	return s.repo.GetSession(ctx, sessionID)
}

// Health checks the repository
func (s *SyncService) Health(ctx context.Context) error {
	return s.repo.Ping(ctx)
}
