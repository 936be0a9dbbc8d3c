package audit

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type blockingSink struct {
	release chan struct{}
	mu      sync.Mutex
	written []Entry
}

func (s *blockingSink) Write(ctx context.Context, entry Entry) error {
	select {
	case <-s.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.mu.Lock()
	s.written = append(s.written, entry)
	s.mu.Unlock()
	return nil
}

func TestEmitterRequiredSurfacesSinkFailure(t *testing.T) {
	sink := NewMemorySink()
	sink.FailWith(errors.New("disk full"))
	emitter := NewEmitter(sink, nil)

	err := emitter.Log(context.Background(), Entry{EventType: "role.assigned", Category: CategoryAdministration}, Required)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSinkUnavailable)
	assert.Contains(t, err.Error(), "disk full")
}

func TestEmitterBestEffortSwallowsSinkFailure(t *testing.T) {
	sink := NewMemorySink()
	sink.FailWith(errors.New("disk full"))
	emitter := NewEmitter(sink, nil)

	err := emitter.Log(context.Background(), Entry{EventType: "authorization.check", Category: CategoryAuthorization}, BestEffort)
	require.NoError(t, err)
	require.NoError(t, emitter.Close(context.Background()))
	assert.Empty(t, sink.Entries())
}

func TestEmitterFillsDefaults(t *testing.T) {
	sink := NewMemorySink()
	now := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	emitter := NewEmitter(sink, nil,
		WithClock(func() time.Time { return now }),
		WithContextFunc(func(ctx context.Context) map[string]string {
			return map[string]string{"request_id": "req-1", "ip": "10.0.0.1"}
		}),
	)
	actor := uuid.New()
	err := emitter.Log(context.Background(), Entry{
		EventType:       "role.assigned",
		Category:        CategoryAdministration,
		ActorID:         &actor,
		SecurityContext: map[string]string{"ip": "192.0.2.1"},
	}, Required)
	require.NoError(t, err)

	entries := sink.Entries()
	require.Len(t, entries, 1)
	got := entries[0]
	assert.NotEqual(t, uuid.Nil, got.ID)
	assert.Equal(t, now, got.At)
	assert.Equal(t, SeverityInfo, got.Severity)
	assert.Equal(t, "req-1", got.SecurityContext["request_id"])
	assert.Equal(t, "192.0.2.1", got.SecurityContext["ip"], "explicit values win over extracted ones")
}

func TestEmitterCloseDrainsBackgroundWrites(t *testing.T) {
	sink := &blockingSink{release: make(chan struct{})}
	emitter := NewEmitter(sink, nil, WithTimeout(time.Second))

	require.NoError(t, emitter.Log(context.Background(), Entry{EventType: "authorization.check", Category: CategoryAuthorization}, BestEffort))

	closed := make(chan error, 1)
	go func() { closed <- emitter.Close(context.Background()) }()

	select {
	case <-closed:
		t.Fatal("close returned before pending write finished")
	case <-time.After(20 * time.Millisecond):
	}
	close(sink.release)
	require.NoError(t, <-closed)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Len(t, sink.written, 1)

	require.NoError(t, emitter.Log(context.Background(), Entry{EventType: "authorization.check", Category: CategoryAuthorization}, BestEffort))
}

func TestEmitterWithoutSink(t *testing.T) {
	emitter := NewEmitter(nil, nil)
	assert.ErrorIs(t, emitter.Log(context.Background(), Entry{}, Required), ErrSinkUnavailable)
	assert.NoError(t, emitter.Log(context.Background(), Entry{}, BestEffort))
}

func TestEmitterBestEffortBacklogIsBounded(t *testing.T) {
	sink := &blockingSink{release: make(chan struct{})}
	emitter := NewEmitter(sink, nil, WithTimeout(time.Minute), WithQueue(8, 2))
	before := runtime.NumGoroutine()

	const flood = 5000
	for i := 0; i < flood; i++ {
		require.NoError(t, emitter.Log(context.Background(), Entry{EventType: "authorization.check", Category: CategoryAuthorization}, BestEffort))
	}

	assert.LessOrEqual(t, runtime.NumGoroutine(), before+2)
	dropped := emitter.Dropped()
	assert.GreaterOrEqual(t, dropped, uint64(flood-8-2))

	close(sink.release)
	require.NoError(t, emitter.Close(context.Background()))
	require.NoError(t, emitter.Close(context.Background()))

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Equal(t, flood, len(sink.written)+int(dropped))
}
