package zfcp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSource hands out one channel the test writes to and reports when the
// watcher released it.
type fakeSource struct {
	out      chan Change
	released chan struct{}
	err      error
}

func newFakeSource() *fakeSource {
	return &fakeSource{out: make(chan Change), released: make(chan struct{})}
}

func (f *fakeSource) Watch(ctx context.Context) (<-chan Change, error) {
	if f.err != nil {
		return nil, f.err
	}
	go func() {
		<-ctx.Done()
		close(f.released)
	}()
	return f.out, nil
}

func waitClosed(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatalf("%s was not released", what)
	}
}

func drain(t *testing.T, sub *Subscription, n int) []Event {
	t.Helper()
	var out []Event
	timeout := time.After(5 * time.Second)
	for len(out) < n {
		select {
		case ev, ok := <-sub.Events():
			require.True(t, ok, "stream closed after %d of %d events", len(out), n)
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("received %d of %d events", len(out), n)
		}
	}
	return out
}

func TestAggregatorLabelsAndOrder(t *testing.T) {
	const n, m = 40, 60
	controllers, disks := newFakeSource(), newFakeSource()
	rec := &recordingRecorder{}
	agg := NewAggregator(AggregatorOptions{Recorder: rec, Buffer: 1},
		LabelledSource{Kind: KindController, Source: controllers},
		LabelledSource{Kind: KindDisk, Source: disks},
	)

	sub, err := agg.Subscribe(context.Background())
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			controllers.out <- Change{Action: ActionAdded, Controller: &Controller{ID: fmt.Sprintf("0.0.%04x", i)}}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < m; i++ {
			disks.out <- Change{Action: ActionAdded, Disk: &Disk{Controller: testController, WWPN: testWWPN, LUN: fmt.Sprintf("0x%016x", i)}}
		}
	}()

	events := drain(t, sub, n+m)
	wg.Wait()

	var gotControllers, gotDisks []string
	ids := make(map[string]bool)
	for _, ev := range events {
		assert.NotEmpty(t, ev.ID)
		assert.False(t, ids[ev.ID], "duplicate event id")
		ids[ev.ID] = true
		assert.Equal(t, ActionAdded, ev.Action)
		switch ev.Kind {
		case KindController:
			require.NotNil(t, ev.Controller)
			assert.Nil(t, ev.Disk)
			gotControllers = append(gotControllers, ev.Controller.ID)
		case KindDisk:
			require.NotNil(t, ev.Disk)
			assert.Nil(t, ev.Controller)
			gotDisks = append(gotDisks, ev.Disk.LUN)
		default:
			t.Fatalf("unexpected kind %q", ev.Kind)
		}
	}
	require.Len(t, gotControllers, n)
	require.Len(t, gotDisks, m)
	for i := range gotControllers {
		assert.Equal(t, fmt.Sprintf("0.0.%04x", i), gotControllers[i])
	}
	for i := range gotDisks {
		assert.Equal(t, fmt.Sprintf("0x%016x", i), gotDisks[i])
	}

	sub.Close()
	waitClosed(t, controllers.released, "controller source")
	waitClosed(t, disks.released, "disk source")
	_, ok := <-sub.Events()
	assert.False(t, ok, "events channel is closed after Close")
	assert.NoError(t, sub.Err())

	rec.mu.Lock()
	assert.Len(t, rec.events, n+m)
	rec.mu.Unlock()
}

func TestAggregatorFailsClosed(t *testing.T) {
	controllers, disks := newFakeSource(), newFakeSource()
	agg := NewAggregator(AggregatorOptions{},
		LabelledSource{Kind: KindController, Source: controllers},
		LabelledSource{Kind: KindDisk, Source: disks},
	)
	sub, err := agg.Subscribe(context.Background())
	require.NoError(t, err)

	disks.out <- Change{Action: ActionRemoved, Disk: &Disk{Controller: testController, WWPN: testWWPN, LUN: testLUN}}
	ev := drain(t, sub, 1)[0]
	assert.Equal(t, KindDisk, ev.Kind)
	assert.Equal(t, ActionRemoved, ev.Action)

	// The controller channel drops while the subscription is still wanted.
	close(controllers.out)

	waitClosed(t, sub.Done(), "subscription")
	for range sub.Events() {
	}
	require.ErrorIs(t, sub.Err(), ErrSubscriptionLost)
	assert.Contains(t, sub.Err().Error(), "controller")
	waitClosed(t, disks.released, "disk source")
}

func TestAggregatorCancelledByContext(t *testing.T) {
	src := newFakeSource()
	agg := NewAggregator(AggregatorOptions{}, LabelledSource{Kind: KindDisk, Source: src})

	ctx, cancel := context.WithCancel(context.Background())
	sub, err := agg.Subscribe(ctx)
	require.NoError(t, err)

	cancel()
	waitClosed(t, sub.Done(), "subscription")
	waitClosed(t, src.released, "disk source")
	assert.NoError(t, sub.Err())
}

func TestAggregatorWatchError(t *testing.T) {
	ok := newFakeSource()
	broken := &fakeSource{err: errors.New("netlink: permission denied")}
	agg := NewAggregator(AggregatorOptions{},
		LabelledSource{Kind: KindController, Source: ok},
		LabelledSource{Kind: KindDisk, Source: broken},
	)

	_, err := agg.Subscribe(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "permission denied")
	waitClosed(t, ok.released, "controller source")
}

func TestAggregatorResubscribe(t *testing.T) {
	src := newFakeSource()
	agg := NewAggregator(AggregatorOptions{}, LabelledSource{Kind: KindController, Source: src})

	first, err := agg.Subscribe(context.Background())
	require.NoError(t, err)
	first.Close()
	waitClosed(t, src.released, "first subscription")

	src.released = make(chan struct{})
	second, err := agg.Subscribe(context.Background())
	require.NoError(t, err)
	defer second.Close()

	src.out <- Change{Action: ActionAdded, Controller: &Controller{ID: testController}}
	ev := drain(t, second, 1)[0]
	assert.Equal(t, KindController, ev.Kind)
	assert.Equal(t, ControllerPath(testController), ev.Path())
}

func TestEventStreams(t *testing.T) {
	controllers, disks := newFakeSource(), newFakeSource()
	streams := EventStreams(AggregatorOptions{}, controllers, disks)
	require.Len(t, streams, 2)

	byName := make(map[string]*Aggregator)
	for _, s := range streams {
		byName[s.Name] = s.Aggregator
	}
	require.Contains(t, byName, StreamDisks)
	require.Contains(t, byName, StreamControllers)

	sub, err := byName[StreamDisks].Subscribe(context.Background())
	require.NoError(t, err)
	defer sub.Close()

	disks.out <- Change{Action: ActionChanged, Disk: &Disk{Controller: testController, WWPN: testWWPN, LUN: testLUN, State: StateInactive}}
	ev := drain(t, sub, 1)[0]
	assert.Equal(t, KindDisk, ev.Kind)
	assert.Equal(t, DiskPath(testController, testWWPN, testLUN), ev.Path())

	select {
	case <-controllers.released:
		t.Fatal("controller source must not be watched by the disk stream")
	default:
	}
}
