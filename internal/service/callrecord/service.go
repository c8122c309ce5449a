// Package callrecord keeps the relay's history of calls, derived from the
// signaling messages it routes.
package callrecord

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"pickcreator-backend/internal/domain"
	"pickcreator-backend/internal/signaling"
	"pickcreator-backend/pkg/constants"
	apperrors "pickcreator-backend/pkg/errors"
	"pickcreator-backend/pkg/metrics"
	"pickcreator-backend/pkg/resilience"
)

// Repository is the call record store
type Repository interface {
	Create(ctx context.Context, call *domain.CallRecord) error
	MarkActive(ctx context.Context, callID uuid.UUID, answeredAt time.Time) error
	End(ctx context.Context, call *domain.CallRecord) error
	FindOpen(ctx context.Context, conversationID, userA, userB string) (*domain.CallRecord, error)
	GetByID(ctx context.Context, callID uuid.UUID) (*domain.CallRecord, error)
	GetUserCalls(ctx context.Context, userID string, limit, offset int) ([]*domain.CallRecord, error)
}

// Service handles call record business logic
type Service struct {
	repo    Repository
	breaker *resilience.CircuitBreaker
	metrics *metrics.Metrics
	log     *zap.Logger
	now     func() time.Time
}

// NewService creates a call record service. A nil repo runs the service in
// limited mode: messages are not recorded and history is unavailable.
func NewService(repo Repository, m *metrics.Metrics, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	cfg := resilience.DefaultConfig()
	cfg.IsFailure = func(err error) bool {
		return err != nil && !errors.Is(err, domain.ErrCallNotFound)
	}
	return &Service{
		repo:    repo,
		breaker: resilience.NewCircuitBreaker("call_records", cfg),
		metrics: m,
		log:     log,
		now:     time.Now,
	}
}

// Limited reports whether the service runs without a store
func (s *Service) Limited() bool {
	return s.repo == nil
}

// Observe updates call records from a routed message. The message must
// carry the relay-stamped SenderID.
func (s *Service) Observe(ctx context.Context, msg *signaling.Message) error {
	if s.repo == nil || msg == nil {
		return nil
	}
	sender := msg.Sender()
	if sender == "" {
		return nil
	}

	switch msg.Type {
	case signaling.TypeOffer:
		return s.open(ctx, msg.ConversationID, sender, msg.TargetUserID)
	case signaling.TypeAnswer:
		return s.answer(ctx, msg.ConversationID, msg.CallerID, sender)
	case signaling.TypeRejected:
		return s.close(ctx, msg.ConversationID, sender, msg.CallerID, constants.CallStatusRejected)
	case signaling.TypeEnded:
		return s.close(ctx, msg.ConversationID, sender, msg.TargetUserID, constants.CallStatusEnded)
	}
	return nil
}

func (s *Service) open(ctx context.Context, conversationID, callerID, calleeID string) error {
	if calleeID == "" {
		return nil
	}

	// A new offer supersedes any call the pair never closed.
	if err := s.close(ctx, conversationID, callerID, calleeID, constants.CallStatusEnded); err != nil {
		return err
	}

	call := &domain.CallRecord{
		CallID:         uuid.New(),
		ConversationID: conversationID,
		CallerID:       callerID,
		CalleeID:       calleeID,
		CallType:       constants.CallTypeAudio,
		Status:         constants.CallStatusRinging,
		StartedAt:      s.now().UTC(),
	}
	err := s.exec(ctx, "create", func(ctx context.Context) error {
		return s.repo.Create(ctx, call)
	})
	if err != nil {
		return fmt.Errorf("failed to create call record: %w", err)
	}

	s.log.Debug("Call record opened",
		zap.String("call_id", call.CallID.String()),
		zap.String("conversation_id", conversationID))
	return nil
}

func (s *Service) answer(ctx context.Context, conversationID, callerID, calleeID string) error {
	call, err := s.findOpen(ctx, conversationID, callerID, calleeID)
	if err != nil || call == nil {
		return err
	}
	if call.Status != constants.CallStatusRinging || call.CalleeID != calleeID {
		return nil
	}

	answeredAt := s.now().UTC()
	err = s.exec(ctx, "mark_active", func(ctx context.Context) error {
		return s.repo.MarkActive(ctx, call.CallID, answeredAt)
	})
	if errors.Is(err, domain.ErrCallNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to mark call active: %w", err)
	}

	if s.metrics != nil {
		s.metrics.IncActiveCalls()
	}
	return nil
}

func (s *Service) close(ctx context.Context, conversationID, senderID, peerID, status string) error {
	if peerID == "" {
		return nil
	}
	call, err := s.findOpen(ctx, conversationID, senderID, peerID)
	if err != nil || call == nil {
		return err
	}

	endedAt := s.now().UTC()
	wasActive := call.AnsweredAt != nil
	call.Status = status
	call.EndedAt = &endedAt
	call.EndedBy = senderID
	call.Duration = 0
	if wasActive {
		call.Duration = int(endedAt.Sub(*call.AnsweredAt).Seconds())
		if call.Duration < 0 {
			call.Duration = 0
		}
	}

	err = s.exec(ctx, "end", func(ctx context.Context) error {
		return s.repo.End(ctx, call)
	})
	if errors.Is(err, domain.ErrCallNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to end call record: %w", err)
	}

	if s.metrics != nil {
		s.metrics.RecordCall(call.CallType, status)
		if wasActive {
			s.metrics.DecActiveCalls()
			s.metrics.RecordCallDuration(call.CallType, time.Duration(call.Duration)*time.Second)
		}
	}
	s.log.Debug("Call record closed",
		zap.String("call_id", call.CallID.String()),
		zap.String("status", status),
		zap.Int("duration", call.Duration))
	return nil
}

// findOpen returns nil, nil when the pair has no open call
func (s *Service) findOpen(ctx context.Context, conversationID, userA, userB string) (*domain.CallRecord, error) {
	var call *domain.CallRecord
	err := s.exec(ctx, "find_open", func(ctx context.Context) error {
		var err error
		call, err = s.repo.FindOpen(ctx, conversationID, userA, userB)
		return err
	})
	if errors.Is(err, domain.ErrCallNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find open call: %w", err)
	}
	return call, nil
}

// History returns a page of the user's calls, newest first
func (s *Service) History(ctx context.Context, userID string, page, pageSize int) ([]*domain.CallRecord, error) {
	if s.repo == nil {
		return nil, apperrors.ServiceUnavailableError("Call history is temporarily unavailable")
	}
	if pageSize <= 0 {
		pageSize = constants.DefaultPageSize
	}
	if pageSize > constants.MaxPageSize {
		pageSize = constants.MaxPageSize
	}
	if page < 1 {
		page = 1
	}

	var calls []*domain.CallRecord
	err := s.exec(ctx, "get_user_calls", func(ctx context.Context) error {
		var err error
		calls, err = s.repo.GetUserCalls(ctx, userID, pageSize, (page-1)*pageSize)
		return err
	})
	if err != nil {
		return nil, s.storeError(err)
	}
	return calls, nil
}

// Get returns one call the user took part in
func (s *Service) Get(ctx context.Context, userID string, callID uuid.UUID) (*domain.CallRecord, error) {
	if s.repo == nil {
		return nil, apperrors.ServiceUnavailableError("Call history is temporarily unavailable")
	}

	var call *domain.CallRecord
	err := s.exec(ctx, "get_by_id", func(ctx context.Context) error {
		var err error
		call, err = s.repo.GetByID(ctx, callID)
		return err
	})
	if errors.Is(err, domain.ErrCallNotFound) {
		return nil, apperrors.CallNotFoundError()
	}
	if err != nil {
		return nil, s.storeError(err)
	}
	// Other users' calls are reported as missing.
	if !call.Involves(userID) {
		return nil, apperrors.CallNotFoundError()
	}
	return call, nil
}

// exec runs one store operation through the breaker and records its latency
func (s *Service) exec(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	start := time.Now()
	err := s.breaker.Execute(ctx, op, fn)
	if s.metrics != nil {
		s.metrics.RecordDBQuery(op, "call_records", time.Since(start), err)
	}
	return err
}

func (s *Service) storeError(err error) error {
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return apperrors.ServiceUnavailableError("Call history is temporarily unavailable")
	}
	return apperrors.DatabaseError(err)
}
