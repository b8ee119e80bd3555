package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/anontyro/items-tracker/internal/backend"
	"github.com/anontyro/items-tracker/internal/normalize"
	"github.com/anontyro/items-tracker/internal/storage"
)

type mockQueue struct {
	mock.Mock
}

func (m *mockQueue) FetchEligible(ctx context.Context, now time.Time, limit int, runID string) ([]storage.QueueEntry, error) {
	args := m.Called(ctx, now, limit, runID)
	if entries := args.Get(0); entries != nil {
		return entries.([]storage.QueueEntry), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockQueue) MarkSending(ctx context.Context, id int64) error {
	return m.Called(ctx, id).Error(0)
}

func (m *mockQueue) MarkSent(ctx context.Context, id int64) error {
	return m.Called(ctx, id).Error(0)
}

func (m *mockQueue) MarkFailed(ctx context.Context, id int64, errMsg string, nextAttemptAt time.Time) error {
	return m.Called(ctx, id, errMsg, nextAttemptAt).Error(0)
}

type mockSender struct {
	mock.Mock
}

func (m *mockSender) SendPriceSnapshots(ctx context.Context, snapshots []backend.PriceSnapshot) (backend.IngestSummary, error) {
	args := m.Called(ctx, snapshots)
	return args.Get(0).(backend.IngestSummary), args.Error(1)
}

func batchPayload(t *testing.T, names ...string) []byte {
	t.Helper()

	batch := normalize.Batch{}
	for _, name := range names {
		batch.Observations = append(batch.Observations, normalize.Observation{
			ProductName: name,
			ProductType: "board-game",
			SourceName:  "Test Site",
			SourceURL:   "https://shop.example.com/games/" + name,
			Price:       39.99,
			ScrapedAt:   "2026-08-29T10:00:00Z",
		})
	}

	data, err := json.Marshal(batch)
	require.NoError(t, err)
	return data
}

func queueEntry(t *testing.T, id int64, attempts int, names ...string) storage.QueueEntry {
	t.Helper()
	return storage.QueueEntry{
		ID:       id,
		RunID:    "run-1",
		SiteID:   "test-site",
		Payload:  batchPayload(t, names...),
		Status:   storage.StatusPending,
		Attempts: attempts,
	}
}

func TestProcessBatch_DeliversAndMarksSent(t *testing.T) {
	queue := new(mockQueue)
	sender := new(mockSender)
	entry := queueEntry(t, 1, 0, "catan", "azul")

	queue.On("FetchEligible", mock.Anything, mock.Anything, 50, "").
		Return([]storage.QueueEntry{entry}, nil)
	queue.On("MarkSending", mock.Anything, int64(1)).Return(nil)
	queue.On("MarkSent", mock.Anything, int64(1)).Return(nil)

	sender.On("SendPriceSnapshots", mock.Anything, mock.MatchedBy(func(s []backend.PriceSnapshot) bool {
		return len(s) == 2 && s[0].ProductName == "catan"
	})).Return(backend.IngestSummary{TotalSnapshots: 2, Accepted: 2}, nil)

	worker := NewWorker(queue, sender, nil, nil, Config{})
	processed, err := worker.ProcessBatch(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, processed)
	queue.AssertExpectations(t)
	sender.AssertExpectations(t)
	queue.AssertNotCalled(t, "MarkFailed", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestProcessBatch_DeliveryFailureSchedulesRetry(t *testing.T) {
	queue := new(mockQueue)
	sender := new(mockSender)
	entry := queueEntry(t, 7, 2, "catan")

	queue.On("FetchEligible", mock.Anything, mock.Anything, 50, "").
		Return([]storage.QueueEntry{entry}, nil)
	queue.On("MarkSending", mock.Anything, int64(7)).Return(nil)

	before := time.Now()
	queue.On("MarkFailed", mock.Anything, int64(7), mock.Anything, mock.MatchedBy(func(next time.Time) bool {
		// Third failure backs off 2 minutes from now.
		return next.Sub(before) >= 2*time.Minute && next.Sub(before) < 3*time.Minute
	})).Return(nil)

	sender.On("SendPriceSnapshots", mock.Anything, mock.Anything).
		Return(backend.IngestSummary{}, errors.New("backend returned 503"))

	worker := NewWorker(queue, sender, nil, nil, Config{})
	processed, err := worker.ProcessBatch(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, processed)
	queue.AssertExpectations(t)
	queue.AssertNotCalled(t, "MarkSent", mock.Anything, mock.Anything)
}

func TestProcessBatch_MalformedPayloadFailsWithoutSending(t *testing.T) {
	queue := new(mockQueue)
	sender := new(mockSender)
	entry := storage.QueueEntry{ID: 3, RunID: "run-1", SiteID: "test-site", Payload: []byte("{not json")}

	queue.On("FetchEligible", mock.Anything, mock.Anything, 50, "").
		Return([]storage.QueueEntry{entry}, nil)
	queue.On("MarkSending", mock.Anything, int64(3)).Return(nil)
	queue.On("MarkFailed", mock.Anything, int64(3), mock.Anything, mock.Anything).Return(nil)

	worker := NewWorker(queue, sender, nil, nil, Config{})
	_, err := worker.ProcessBatch(context.Background())

	require.NoError(t, err)
	queue.AssertExpectations(t)
	sender.AssertNotCalled(t, "SendPriceSnapshots", mock.Anything, mock.Anything)
}

func TestProcessBatch_EmptyPayloadMarkedSentWithoutSending(t *testing.T) {
	queue := new(mockQueue)
	sender := new(mockSender)
	entry := queueEntry(t, 4, 0)

	queue.On("FetchEligible", mock.Anything, mock.Anything, 50, "").
		Return([]storage.QueueEntry{entry}, nil)
	queue.On("MarkSending", mock.Anything, int64(4)).Return(nil)
	queue.On("MarkSent", mock.Anything, int64(4)).Return(nil)

	worker := NewWorker(queue, sender, nil, nil, Config{})
	_, err := worker.ProcessBatch(context.Background())

	require.NoError(t, err)
	queue.AssertExpectations(t)
	sender.AssertNotCalled(t, "SendPriceSnapshots", mock.Anything, mock.Anything)
}

func TestProcessBatch_ClaimFailureSkipsEntry(t *testing.T) {
	queue := new(mockQueue)
	sender := new(mockSender)
	stuck := queueEntry(t, 5, 0, "catan")
	healthy := queueEntry(t, 6, 0, "azul")

	queue.On("FetchEligible", mock.Anything, mock.Anything, 50, "").
		Return([]storage.QueueEntry{stuck, healthy}, nil)
	queue.On("MarkSending", mock.Anything, int64(5)).Return(errors.New("queue entry not found: 5"))
	queue.On("MarkSending", mock.Anything, int64(6)).Return(nil)
	queue.On("MarkSent", mock.Anything, int64(6)).Return(nil)

	sender.On("SendPriceSnapshots", mock.Anything, mock.Anything).
		Return(backend.IngestSummary{TotalSnapshots: 1, Accepted: 1}, nil)

	worker := NewWorker(queue, sender, nil, nil, Config{})
	processed, err := worker.ProcessBatch(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 2, processed)
	queue.AssertExpectations(t)
	sender.AssertNumberOfCalls(t, "SendPriceSnapshots", 1)
}

func TestProcessBatch_FetchErrorPropagates(t *testing.T) {
	queue := new(mockQueue)
	sender := new(mockSender)

	queue.On("FetchEligible", mock.Anything, mock.Anything, 50, "").
		Return(nil, errors.New("database is locked"))

	worker := NewWorker(queue, sender, nil, nil, Config{})
	_, err := worker.ProcessBatch(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "database is locked")
}

func TestProcessBatch_RunIDScopesFetch(t *testing.T) {
	queue := new(mockQueue)
	sender := new(mockSender)

	queue.On("FetchEligible", mock.Anything, mock.Anything, 10, "test-site-abc").
		Return(nil, nil)

	worker := NewWorker(queue, sender, nil, nil, Config{BatchLimit: 10, RunID: "test-site-abc"})
	processed, err := worker.ProcessBatch(context.Background())

	require.NoError(t, err)
	assert.Zero(t, processed)
	queue.AssertExpectations(t)
}

func TestStart_StopsOnContextCancel(t *testing.T) {
	queue := new(mockQueue)
	sender := new(mockSender)

	queue.On("FetchEligible", mock.Anything, mock.Anything, 50, "").
		Return(nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	worker := NewWorker(queue, sender, nil, nil, Config{PollInterval: 10 * time.Millisecond})

	done := make(chan error, 1)
	go func() { done <- worker.Start(ctx) }()

	time.Sleep(35 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after cancellation")
	}

	// At least the startup pass plus one tick.
	assert.GreaterOrEqual(t, len(queue.Calls), 2)
}
