package zfcp

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

const (
	testController = "0.0.fc00"
	testWWPN       = "0x500507630300c562"
	testWWPN2      = "0x500507630303c562"
	testLUN        = "0x4010403300000000"
	testLUN2       = "0x4010403400000000"
)

// fakeBackend simulates the sysfs/s390-tools layer and records every call.
type fakeBackend struct {
	mu sync.Mutex

	supported   bool
	generations [][]Controller // Controllers() cycles through these
	gen         int
	wwpns       map[string][]string
	luns        map[Path][]string
	active      map[Path]Disk

	failController map[string]string
	failDisk       map[Path]string
	controllersErr error

	calls []string
}

func newFakeBackend(controllers ...Controller) *fakeBackend {
	return &fakeBackend{
		supported:      true,
		generations:    [][]Controller{controllers},
		wwpns:          make(map[string][]string),
		luns:           make(map[Path][]string),
		active:         make(map[Path]Disk),
		failController: make(map[string]string),
		failDisk:       make(map[Path]string),
	}
}

func (f *fakeBackend) record(call string) {
	f.calls = append(f.calls, call)
}

func (f *fakeBackend) count(call string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == call {
			n++
		}
	}
	return n
}

func (f *fakeBackend) callList() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.calls)
}

func (f *fakeBackend) Supported(context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("supported")
	return f.supported, nil
}

func (f *fakeBackend) Controllers(context.Context) ([]Controller, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("controllers")
	if f.controllersErr != nil {
		return nil, f.controllersErr
	}
	cur := f.generations[f.gen%len(f.generations)]
	f.gen++
	return slices.Clone(cur), nil
}

func (f *fakeBackend) ActivateController(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("activate_controller")
	if reason, ok := f.failController[id]; ok {
		return errors.New(reason)
	}
	for _, gen := range f.generations {
		for i := range gen {
			if gen[i].ID == id {
				gen[i].State = StateActive
			}
		}
	}
	return nil
}

func (f *fakeBackend) WWPNs(_ context.Context, id string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("wwpns")
	return slices.Clone(f.wwpns[id]), nil
}

func (f *fakeBackend) LUNs(_ context.Context, id, wwpn string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("luns")
	luns, ok := f.luns[WWPNPath(id, wwpn)]
	if !ok {
		return nil, errors.New("lsluns: no LUNs found")
	}
	return slices.Clone(luns), nil
}

func (f *fakeBackend) ActiveDisks(context.Context) ([]Disk, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("active_disks")
	var out []Disk
	for _, d := range f.active {
		out = append(out, d)
	}
	return out, nil
}

func (f *fakeBackend) ActivateDisk(_ context.Context, p Path) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("activate_disk")
	if reason, ok := f.failDisk[p]; ok {
		return errors.New(reason)
	}
	f.active[p] = Disk{Controller: p.Controller, WWPN: p.WWPN, LUN: p.LUN, State: StateActive, Name: "/dev/sda"}
	return nil
}

func (f *fakeBackend) DeactivateDisk(_ context.Context, p Path) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("deactivate_disk")
	delete(f.active, p)
	return nil
}

// standardBackend has one inactive controller with two ports; the first
// port exposes two LUNs.
func standardBackend() *fakeBackend {
	f := newFakeBackend(
		Controller{ID: testController, State: StateInactive},
		Controller{ID: "0.0.fd00", State: StateInactive},
	)
	f.wwpns[testController] = []string{testWWPN, testWWPN2}
	f.luns[WWPNPath(testController, testWWPN)] = []string{testLUN, testLUN2}
	f.luns[WWPNPath(testController, testWWPN2)] = []string{}
	return f
}

// orderedBackend wraps a fakeBackend to observe scan concurrency and the
// ordering of scans against a disk activation. When entered is set,
// ActivateDisk closes it and blocks until release is closed.
type orderedBackend struct {
	*fakeBackend

	scanDelay   time.Duration
	scanning    atomic.Int32
	maxScanning atomic.Int32

	entered chan struct{}
	release chan struct{}
	once    sync.Once

	logMu sync.Mutex
	log   []string
}

func (b *orderedBackend) note(what string) {
	b.logMu.Lock()
	defer b.logMu.Unlock()
	b.log = append(b.log, what)
}

func (b *orderedBackend) order() []string {
	b.logMu.Lock()
	defer b.logMu.Unlock()
	return slices.Clone(b.log)
}

func (b *orderedBackend) Controllers(ctx context.Context) ([]Controller, error) {
	n := b.scanning.Add(1)
	defer b.scanning.Add(-1)
	for {
		cur := b.maxScanning.Load()
		if n <= cur || b.maxScanning.CompareAndSwap(cur, n) {
			break
		}
	}
	b.note("scan")
	time.Sleep(b.scanDelay)
	return b.fakeBackend.Controllers(ctx)
}

func (b *orderedBackend) ActivateDisk(ctx context.Context, p Path) error {
	if b.entered != nil {
		b.once.Do(func() { close(b.entered) })
		<-b.release
	}
	err := b.fakeBackend.ActivateDisk(ctx, p)
	b.note("activate_disk_done")
	return err
}

// recordingRecorder captures what an engine or aggregator reports.
type recordingRecorder struct {
	mu     sync.Mutex
	ops    []string
	errs   []error
	events []Event
}

func (r *recordingRecorder) Operation(op string, _ Path, _ time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, op)
	r.errs = append(r.errs, err)
}

func (r *recordingRecorder) Event(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}
