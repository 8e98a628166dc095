package drain

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/tally/internal/replicator"
	"github.com/MarcoPoloResearchLab/tally/internal/syncwire"
	"go.uber.org/zap"
)

type recordingPuller struct {
	mu         sync.Mutex
	sentAtPull []int
	pulled     chan struct{}
	sender     *scriptedSender
}

func (p *recordingPuller) Sync(context.Context) (replicator.PullReport, error) {
	p.mu.Lock()
	p.sentAtPull = append(p.sentAtPull, len(p.sender.sent()))
	p.mu.Unlock()
	p.pulled <- struct{}{}
	return replicator.PullReport{}, nil
}

func (p *recordingPuller) observed() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int(nil), p.sentAtPull...)
}

func waitForPull(t *testing.T, pulled <-chan struct{}) {
	t.Helper()
	select {
	case <-pulled:
	case <-time.After(2 * time.Second):
		t.Fatalf("runner never pulled")
	}
}

func TestRunnerDrainsBeforePullAndStopsOnCancel(t *testing.T) {
	fixture := newDrainFixture(t, &scriptedSender{})
	fixture.enqueue(t, syncwire.OperationCreate, "evt-1")
	puller := &recordingPuller{pulled: make(chan struct{}, 4), sender: fixture.sender}
	runner := NewRunner(fixture.drainer, puller, time.Hour, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan error, 1)
	go func() { stopped <- runner.Run(ctx) }()

	waitForPull(t, puller.pulled)
	if got := puller.observed(); len(got) != 1 || got[0] != 1 {
		t.Fatalf("expected the queued mutation to be sent before the pull, got %v", got)
	}

	cancel()
	select {
	case err := <-stopped:
		if err != nil {
			t.Fatalf("unexpected run error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("runner did not stop after cancellation")
	}
}

func TestRunnerKickStartsCycleBeforeTick(t *testing.T) {
	fixture := newDrainFixture(t, &scriptedSender{})
	puller := &recordingPuller{pulled: make(chan struct{}, 4), sender: fixture.sender}
	runner := NewRunner(fixture.drainer, puller, time.Hour, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = runner.Run(ctx) }()

	waitForPull(t, puller.pulled)
	fixture.enqueue(t, syncwire.OperationCreate, "evt-2")
	runner.Kick()
	waitForPull(t, puller.pulled)

	if got := puller.observed(); len(got) != 2 || got[0] != 0 || got[1] != 1 {
		t.Fatalf("expected the kicked cycle to drain the new mutation first, got %v", got)
	}
}
