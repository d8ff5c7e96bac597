package reaper

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/podpilot/podpilot/internal/hub/agentmgr"
)

type fakeStore struct {
	stale    []uuid.UUID
	listErr  error
	markErr  map[uuid.UUID]error
	marked   []uuid.UUID
	lastSeen time.Duration
}

func (f *fakeStore) ListStale(_ context.Context, threshold time.Duration) ([]uuid.UUID, error) {
	f.lastSeen = threshold
	return f.stale, f.listErr
}

func (f *fakeStore) MarkError(_ context.Context, agentID uuid.UUID) error {
	if err := f.markErr[agentID]; err != nil {
		return err
	}
	f.marked = append(f.marked, agentID)
	return nil
}

func TestSweepMarksAndEvicts(t *testing.T) {
	a := uuid.New()
	b := uuid.New()
	store := &fakeStore{stale: []uuid.UUID{a, b}}
	mgr := agentmgr.New()
	mgr.Register(a, "sess-a")

	r := New(store, mgr)
	r.sweep(context.Background())

	assert.ElementsMatch(t, []uuid.UUID{a, b}, store.marked)
	assert.Equal(t, Threshold, store.lastSeen)
	assert.False(t, mgr.IsConnected(a))
}

func TestSweepSkipsAgentOnMarkFailure(t *testing.T) {
	a := uuid.New()
	b := uuid.New()
	store := &fakeStore{
		stale:   []uuid.UUID{a, b},
		markErr: map[uuid.UUID]error{a: errors.New("deadlock")},
	}
	mgr := agentmgr.New()
	mgr.Register(a, "sess-a")

	r := New(store, mgr)
	r.sweep(context.Background())

	// a keeps its session and stays stale for the next tick.
	assert.Equal(t, []uuid.UUID{b}, store.marked)
	assert.True(t, mgr.IsConnected(a))
}

func TestSweepToleratesListFailure(t *testing.T) {
	store := &fakeStore{listErr: errors.New("connection refused")}
	r := New(store, agentmgr.New())
	r.sweep(context.Background())
	assert.Empty(t, store.marked)
}
