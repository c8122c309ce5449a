package callrecord

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"pickcreator-backend/internal/domain"
	"pickcreator-backend/internal/signaling"
	"pickcreator-backend/pkg/constants"
	apperrors "pickcreator-backend/pkg/errors"
	"pickcreator-backend/pkg/metrics"
)

// MockCallRepository is a mock implementation of Repository
type MockCallRepository struct {
	mock.Mock
}

func (m *MockCallRepository) Create(ctx context.Context, call *domain.CallRecord) error {
	args := m.Called(ctx, call)
	return args.Error(0)
}

func (m *MockCallRepository) MarkActive(ctx context.Context, callID uuid.UUID, answeredAt time.Time) error {
	args := m.Called(ctx, callID, answeredAt)
	return args.Error(0)
}

func (m *MockCallRepository) End(ctx context.Context, call *domain.CallRecord) error {
	args := m.Called(ctx, call)
	return args.Error(0)
}

func (m *MockCallRepository) FindOpen(ctx context.Context, conversationID, userA, userB string) (*domain.CallRecord, error) {
	args := m.Called(ctx, conversationID, userA, userB)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.CallRecord), args.Error(1)
}

func (m *MockCallRepository) GetByID(ctx context.Context, callID uuid.UUID) (*domain.CallRecord, error) {
	args := m.Called(ctx, callID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.CallRecord), args.Error(1)
}

func (m *MockCallRepository) GetUserCalls(ctx context.Context, userID string, limit, offset int) ([]*domain.CallRecord, error) {
	args := m.Called(ctx, userID, limit, offset)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.CallRecord), args.Error(1)
}

const (
	conv  = "conv-1"
	alice = "alice"
	bob   = "bob"
)

var fixedNow = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func newTestService(t *testing.T, repo Repository) *Service {
	t.Helper()
	s := NewService(repo, metrics.NewMetricsWith(prometheus.NewRegistry(), "test"), nil)
	s.now = func() time.Time { return fixedNow }
	return s
}

func offer() *signaling.Message {
	return &signaling.Message{
		Type:           signaling.TypeOffer,
		ConversationID: conv,
		CallerID:       alice,
		TargetUserID:   bob,
		SenderID:       alice,
		Offer:          &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"},
	}
}

func TestObserveOfferOpensRingingRecord(t *testing.T) {
	repo := new(MockCallRepository)
	s := newTestService(t, repo)

	repo.On("FindOpen", mock.Anything, conv, alice, bob).Return(nil, domain.ErrCallNotFound).Once()
	repo.On("Create", mock.Anything, mock.MatchedBy(func(c *domain.CallRecord) bool {
		return c.CallerID == alice && c.CalleeID == bob &&
			c.ConversationID == conv &&
			c.Status == constants.CallStatusRinging &&
			c.CallType == constants.CallTypeAudio &&
			c.StartedAt.Equal(fixedNow) &&
			c.CallID != uuid.Nil
	})).Return(nil).Once()

	require.NoError(t, s.Observe(context.Background(), offer()))
	repo.AssertExpectations(t)
}

func TestObserveOfferClosesStaleRecord(t *testing.T) {
	repo := new(MockCallRepository)
	s := newTestService(t, repo)
	stale := &domain.CallRecord{CallID: uuid.New(), CallerID: bob, CalleeID: alice, Status: constants.CallStatusRinging}

	repo.On("FindOpen", mock.Anything, conv, alice, bob).Return(stale, nil).Once()
	repo.On("End", mock.Anything, mock.MatchedBy(func(c *domain.CallRecord) bool {
		return c.CallID == stale.CallID && c.Status == constants.CallStatusEnded && c.Duration == 0
	})).Return(nil).Once()
	repo.On("Create", mock.Anything, mock.Anything).Return(nil).Once()

	require.NoError(t, s.Observe(context.Background(), offer()))
	repo.AssertExpectations(t)
}

func TestObserveAnswerMarksActive(t *testing.T) {
	repo := new(MockCallRepository)
	s := newTestService(t, repo)
	call := &domain.CallRecord{CallID: uuid.New(), CallerID: alice, CalleeID: bob, Status: constants.CallStatusRinging}

	repo.On("FindOpen", mock.Anything, conv, alice, bob).Return(call, nil).Once()
	repo.On("MarkActive", mock.Anything, call.CallID, fixedNow).Return(nil).Once()

	err := s.Observe(context.Background(), &signaling.Message{
		Type:           signaling.TypeAnswer,
		ConversationID: conv,
		CallerID:       alice,
		CalleeID:       bob,
		SenderID:       bob,
		Answer:         &webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0"},
	})
	require.NoError(t, err)
	repo.AssertExpectations(t)
}

func TestObserveAnswerFromCallerIgnored(t *testing.T) {
	repo := new(MockCallRepository)
	s := newTestService(t, repo)
	call := &domain.CallRecord{CallID: uuid.New(), CallerID: alice, CalleeID: bob, Status: constants.CallStatusRinging}

	// alice answering her own call must not mark it active.
	repo.On("FindOpen", mock.Anything, conv, bob, alice).Return(call, nil).Once()

	err := s.Observe(context.Background(), &signaling.Message{
		Type:           signaling.TypeAnswer,
		ConversationID: conv,
		CallerID:       bob,
		CalleeID:       alice,
		SenderID:       alice,
	})
	require.NoError(t, err)
	repo.AssertNotCalled(t, "MarkActive", mock.Anything, mock.Anything, mock.Anything)
}

func TestObserveEndedComputesDuration(t *testing.T) {
	repo := new(MockCallRepository)
	s := newTestService(t, repo)
	answered := fixedNow.Add(-95 * time.Second)
	call := &domain.CallRecord{
		CallID:     uuid.New(),
		CallerID:   alice,
		CalleeID:   bob,
		CallType:   constants.CallTypeAudio,
		Status:     constants.CallStatusActive,
		AnsweredAt: &answered,
	}

	repo.On("FindOpen", mock.Anything, conv, bob, alice).Return(call, nil).Once()
	repo.On("End", mock.Anything, mock.MatchedBy(func(c *domain.CallRecord) bool {
		return c.Status == constants.CallStatusEnded &&
			c.Duration == 95 &&
			c.EndedBy == bob &&
			c.EndedAt != nil && c.EndedAt.Equal(fixedNow)
	})).Return(nil).Once()

	err := s.Observe(context.Background(), &signaling.Message{
		Type:           signaling.TypeEnded,
		ConversationID: conv,
		UserID:         bob,
		TargetUserID:   alice,
		SenderID:       bob,
	})
	require.NoError(t, err)
	repo.AssertExpectations(t)
}

func TestObserveRejectedClosesWithoutDuration(t *testing.T) {
	repo := new(MockCallRepository)
	s := newTestService(t, repo)
	call := &domain.CallRecord{CallID: uuid.New(), CallerID: alice, CalleeID: bob, Status: constants.CallStatusRinging}

	repo.On("FindOpen", mock.Anything, conv, bob, alice).Return(call, nil).Once()
	repo.On("End", mock.Anything, mock.MatchedBy(func(c *domain.CallRecord) bool {
		return c.Status == constants.CallStatusRejected && c.Duration == 0 && c.EndedBy == bob
	})).Return(nil).Once()

	err := s.Observe(context.Background(), &signaling.Message{
		Type:           signaling.TypeRejected,
		ConversationID: conv,
		CallerID:       alice,
		CalleeID:       bob,
		SenderID:       bob,
	})
	require.NoError(t, err)
	repo.AssertExpectations(t)
}

func TestObserveEndedWithoutOpenCall(t *testing.T) {
	repo := new(MockCallRepository)
	s := newTestService(t, repo)

	repo.On("FindOpen", mock.Anything, conv, bob, alice).Return(nil, domain.ErrCallNotFound).Once()

	err := s.Observe(context.Background(), &signaling.Message{
		Type:           signaling.TypeEnded,
		ConversationID: conv,
		UserID:         bob,
		TargetUserID:   alice,
		SenderID:       bob,
	})
	require.NoError(t, err)
	repo.AssertNotCalled(t, "End", mock.Anything, mock.Anything)
}

func TestObserveIgnoresCandidatesAndPings(t *testing.T) {
	repo := new(MockCallRepository)
	s := newTestService(t, repo)

	require.NoError(t, s.Observe(context.Background(), &signaling.Message{
		Type: signaling.TypeCandidate, ConversationID: conv, TargetUserID: bob, SenderID: alice,
		Candidate: &webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 1 10.0.0.1 5000 typ host"},
	}))
	require.NoError(t, s.Observe(context.Background(), &signaling.Message{
		Type: signaling.TypePing, ConversationID: conv, UserID: alice, TargetUserID: bob, SenderID: alice,
	}))
	repo.AssertExpectations(t)
}

func TestObserveStoreFailure(t *testing.T) {
	repo := new(MockCallRepository)
	s := newTestService(t, repo)

	repo.On("FindOpen", mock.Anything, conv, alice, bob).Return(nil, errors.New("connection refused"))

	err := s.Observe(context.Background(), offer())
	require.Error(t, err)
	repo.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
}

func TestLimitedMode(t *testing.T) {
	s := newTestService(t, nil)

	assert.True(t, s.Limited())
	assert.NoError(t, s.Observe(context.Background(), offer()))

	_, err := s.History(context.Background(), alice, 1, 20)
	appErr := apperrors.GetAppError(err)
	assert.Equal(t, apperrors.ErrCodeServiceUnavail, appErr.Code)
	assert.Equal(t, http.StatusServiceUnavailable, appErr.StatusCode)
}

func TestHistoryClampsPagination(t *testing.T) {
	tests := []struct {
		name       string
		page, size int
		limit      int
		offset     int
	}{
		{"defaults", 0, 0, constants.DefaultPageSize, 0},
		{"second page", 2, 10, 10, 10},
		{"oversized page", 3, 500, constants.MaxPageSize, 2 * constants.MaxPageSize},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := new(MockCallRepository)
			s := newTestService(t, repo)
			records := []*domain.CallRecord{{CallID: uuid.New(), CallerID: alice, CalleeID: bob}}
			repo.On("GetUserCalls", mock.Anything, alice, tt.limit, tt.offset).Return(records, nil).Once()

			got, err := s.History(context.Background(), alice, tt.page, tt.size)
			require.NoError(t, err)
			assert.Equal(t, records, got)
			repo.AssertExpectations(t)
		})
	}
}

func TestGetChecksParticipant(t *testing.T) {
	repo := new(MockCallRepository)
	s := newTestService(t, repo)
	call := &domain.CallRecord{CallID: uuid.New(), CallerID: alice, CalleeID: bob}
	repo.On("GetByID", mock.Anything, call.CallID).Return(call, nil)

	got, err := s.Get(context.Background(), bob, call.CallID)
	require.NoError(t, err)
	assert.Equal(t, call, got)

	_, err = s.Get(context.Background(), "mallory", call.CallID)
	assert.Equal(t, apperrors.ErrCodeCallNotFound, apperrors.GetAppError(err).Code)
}

func TestGetMissingCall(t *testing.T) {
	repo := new(MockCallRepository)
	s := newTestService(t, repo)
	id := uuid.New()
	repo.On("GetByID", mock.Anything, id).Return(nil, domain.ErrCallNotFound).Once()

	_, err := s.Get(context.Background(), alice, id)
	appErr := apperrors.GetAppError(err)
	assert.Equal(t, apperrors.ErrCodeCallNotFound, appErr.Code)
	assert.Equal(t, http.StatusNotFound, appErr.StatusCode)
	repo.AssertExpectations(t)
}
