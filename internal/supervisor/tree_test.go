package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingService struct {
	name   string
	starts atomic.Int32
	fail   atomic.Bool
}

func (s *countingService) Serve(ctx context.Context) error {
	s.starts.Add(1)
	if s.fail.Load() {
		return errors.New("worker crashed")
	}
	<-ctx.Done()
	return ctx.Err()
}

func (s *countingService) String() string { return s.name }

func TestNewTreeAppliesDefaults(t *testing.T) {
	tree := NewTree("bandtap", TreeConfig{})
	require.NotNil(t, tree.root)
	require.NotNil(t, tree.workers)
	require.NotNil(t, tree.api)
}

func TestTreeRunsBothLayers(t *testing.T) {
	tree := NewTree("bandtap", TreeConfig{FailureBackoff: 10 * time.Millisecond, ShutdownTimeout: time.Second})
	worker := &countingService{name: "worker"}
	server := &countingService{name: "server"}
	tree.AddWorker(worker)
	tree.AddAPI(server)

	ctx, cancel := context.WithCancel(context.Background())
	done := tree.ServeBackground(ctx)

	assert.Eventually(t, func() bool {
		return worker.starts.Load() == 1 && server.starts.Load() == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("tree did not stop after cancel")
	}
}

func TestTreeRestartsFailedWorker(t *testing.T) {
	tree := NewTree("bandtap", TreeConfig{FailureThreshold: 100, FailureBackoff: 10 * time.Millisecond, ShutdownTimeout: time.Second})
	worker := &countingService{name: "flaky"}
	worker.fail.Store(true)
	server := &countingService{name: "server"}
	tree.AddWorker(worker)
	tree.AddAPI(server)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := tree.ServeBackground(ctx)

	assert.Eventually(t, func() bool { return worker.starts.Load() >= 3 }, 2*time.Second, 10*time.Millisecond)
	worker.fail.Store(false)

	// the api layer is not restarted by a worker crash
	assert.Equal(t, int32(1), server.starts.Load())

	cancel()
	<-done
}
