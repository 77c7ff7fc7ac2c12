package workerproc

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mikhail2018/ouroboros-desktop/internal/ouroboros/eventbus"
	"github.com/Mikhail2018/ouroboros-desktop/internal/ouroboros/logging"
	"github.com/Mikhail2018/ouroboros-desktop/internal/ouroboros/task"
	"github.com/Mikhail2018/ouroboros-desktop/internal/ouroboros/wire"
)

type rig struct {
	runner  *Runner
	taskW   *os.File // supervisor writes directives here
	eventR  *wire.Reader
	done    chan error
	cleanup func()
}

func newRig(t *testing.T) *rig {
	t.Helper()
	eventR, eventW, err := os.Pipe()
	require.NoError(t, err)
	taskR, taskW, err := os.Pipe()
	require.NoError(t, err)

	r := New("w-test", eventW, taskR, nil, "", logging.NewDiscard())
	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background()) }()

	return &rig{
		runner: r,
		taskW:  taskW,
		eventR: wire.NewReader(eventR),
		done:   done,
		cleanup: func() {
			taskW.Close()
			taskR.Close()
			eventW.Close()
			eventR.Close()
		},
	}
}

// nextEvent skips heartbeats, which arrive at unpredictable points.
func (g *rig) nextEvent(t *testing.T) eventbus.Event {
	t.Helper()
	for {
		ev, err := g.eventR.ReadEvent()
		require.NoError(t, err)
		if ev.Type != eventbus.TypeHeartbeat {
			return ev
		}
	}
}

func TestRunTaskEmitsStartedThenDone(t *testing.T) {
	g := newRig(t)
	defer g.cleanup()

	tk := task.Task{ID: "t-1", Type: task.TypeChat, Payload: "ping"}
	require.NoError(t, wire.WriteFrame(g.taskW, wire.Directive{Op: wire.OpRun, Task: &tk}))

	started := g.nextEvent(t)
	assert.Equal(t, eventbus.TypeTaskStarted, started.Type)
	assert.Equal(t, "t-1", started.TaskID)
	assert.Equal(t, "w-test", started.WorkerID)

	progress := g.nextEvent(t)
	assert.Equal(t, eventbus.TypeTaskProgress, progress.Type)

	doneEv := g.nextEvent(t)
	assert.Equal(t, eventbus.TypeTaskDone, doneEv.Type)
	assert.Equal(t, "echo: ping", doneEv.Result)

	require.NoError(t, wire.WriteFrame(g.taskW, wire.Directive{Op: wire.OpShutdown}))
	require.NoError(t, <-g.done)
}

func TestShutdownIsClean(t *testing.T) {
	g := newRig(t)
	defer g.cleanup()

	require.NoError(t, wire.WriteFrame(g.taskW, wire.Directive{Op: wire.OpShutdown}))
	select {
	case err := <-g.done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not shut down")
	}
}

func TestPipeEOFIsClean(t *testing.T) {
	g := newRig(t)
	defer g.cleanup()

	g.taskW.Close()
	select {
	case err := <-g.done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not exit on EOF")
	}
}

func TestProposeToolCallWaitsForVerdict(t *testing.T) {
	g := newRig(t)
	defer g.cleanup()

	type result struct {
		allow  bool
		reason string
		err    error
	}
	got := make(chan result, 1)
	go func() {
		allow, reason, err := g.runner.ProposeToolCall(context.Background(), "t-1", "run_shell", `{"cmd":"rm -rf /"}`)
		got <- result{allow, reason, err}
	}()

	ev := g.nextEvent(t)
	require.Equal(t, eventbus.TypeToolCallProposed, ev.Type)
	assert.Equal(t, "run_shell", ev.Tool)

	require.NoError(t, wire.WriteFrame(g.taskW, wire.Directive{Op: wire.OpVerdict, Allow: false, Reason: "denied"}))

	select {
	case res := <-got:
		require.NoError(t, res.err)
		assert.False(t, res.allow)
		assert.Equal(t, "denied", res.reason)
	case <-time.After(2 * time.Second):
		t.Fatal("verdict never delivered")
	}

	g.taskW.Close()
	<-g.done
}

func TestHeartbeatsFlow(t *testing.T) {
	g := newRig(t)
	defer g.cleanup()

	ev, err := g.eventR.ReadEvent()
	require.NoError(t, err)
	assert.Equal(t, eventbus.TypeHeartbeat, ev.Type)

	g.taskW.Close()
	require.NoError(t, <-g.done)
}
