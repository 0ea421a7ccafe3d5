package zfcp

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/sigreer/zfcpgod/internal/cache"
)

// Backend is the hardware-management subsystem the engine drives. Errors
// returned by the activation calls carry the raw reason reported by the
// system tools.
type Backend interface {
	Supported(ctx context.Context) (bool, error)
	Controllers(ctx context.Context) ([]Controller, error)
	ActivateController(ctx context.Context, id string) error
	WWPNs(ctx context.Context, controllerID string) ([]string, error)
	LUNs(ctx context.Context, controllerID, wwpn string) ([]string, error)
	ActiveDisks(ctx context.Context) ([]Disk, error)
	ActivateDisk(ctx context.Context, p Path) error
	DeactivateDisk(ctx context.Context, p Path) error
}

// probeWeight is held by a probe; every activation holds a weight of one,
// so a probe waits for in-flight activations and keeps new ones out until
// the rebuilt snapshot is published.
const probeWeight = 1 << 30

// Options tunes an Engine. The zero value is usable.
type Options struct {
	Logger   *zerolog.Logger
	Recorder Recorder
	LUNCache *cache.Cache[Path, []string]
	Now      func() time.Time
}

// Engine executes supported-check, listing, activation and probe
// operations against the zFCP hierarchy.
type Engine struct {
	backend Backend
	log     zerolog.Logger
	rec     Recorder
	luns    *cache.Cache[Path, []string]
	now     func() time.Time
	model   *model
	gate    *semaphore.Weighted

	supportedMu sync.Mutex
	supported   *bool
}

// NewEngine returns an engine with an empty hierarchy; call Probe to fill it.
func NewEngine(backend Backend, opts Options) *Engine {
	e := &Engine{
		backend: backend,
		log:     zerolog.Nop(),
		rec:     opts.Recorder,
		luns:    opts.LUNCache,
		now:     opts.Now,
		model:   newModel(),
		gate:    semaphore.NewWeighted(probeWeight),
	}
	if opts.Logger != nil {
		e.log = *opts.Logger
	}
	if e.rec == nil {
		e.rec = nopRecorder{}
	}
	if e.luns == nil {
		e.luns = cache.New[Path, []string](cache.DefaultTTL)
	}
	if e.now == nil {
		e.now = time.Now
	}
	e.luns.WithClock(e.now)
	return e
}

// Snapshot returns the current hierarchy view.
func (e *Engine) Snapshot() *Snapshot {
	return e.model.load()
}

// Supported reports whether the host exposes zFCP at all. The answer is
// remembered once the backend gave one.
func (e *Engine) Supported(ctx context.Context) (bool, error) {
	e.supportedMu.Lock()
	defer e.supportedMu.Unlock()

	if e.supported != nil {
		return *e.supported, nil
	}
	ok, err := e.backend.Supported(ctx)
	if err != nil {
		return false, fmt.Errorf("checking zfcp support: %w", err)
	}
	e.supported = &ok
	return ok, nil
}

func (e *Engine) ensureSupported(ctx context.Context) error {
	ok, err := e.Supported(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotSupported
	}
	return nil
}

// Controllers lists controllers in discovery order.
func (e *Engine) Controllers(ctx context.Context) ([]Controller, error) {
	if err := e.ensureSupported(ctx); err != nil {
		return nil, err
	}
	return e.model.load().Controllers(), nil
}

// Controller returns a single controller.
func (e *Engine) Controller(ctx context.Context, id string) (Controller, error) {
	if err := e.ensureSupported(ctx); err != nil {
		return Controller{}, err
	}
	return e.model.load().Controller(id)
}

// Disks lists every known disk including failed activations.
func (e *Engine) Disks(ctx context.Context) ([]Disk, error) {
	if err := e.ensureSupported(ctx); err != nil {
		return nil, err
	}
	return e.model.load().Disks(), nil
}

// WWPNs returns the ports the backend currently reports for an active
// controller.
func (e *Engine) WWPNs(ctx context.Context, controllerID string) ([]string, error) {
	if err := e.ensureSupported(ctx); err != nil {
		return nil, err
	}
	return e.refreshWWPNs(ctx, controllerID)
}

// LUNs returns the LUNs reachable through a port, in enumeration order.
func (e *Engine) LUNs(ctx context.Context, controllerID, wwpn string) ([]string, error) {
	if err := e.ensureSupported(ctx); err != nil {
		return nil, err
	}
	port := WWPNPath(controllerID, wwpn)
	if err := e.resolveWWPN(ctx, port); err != nil {
		return nil, err
	}
	return e.enumerateLUNs(ctx, port, false)
}

// ActivateController brings a controller online. Activating an active
// controller is a no-op.
func (e *Engine) ActivateController(ctx context.Context, id string) error {
	if err := e.ensureSupported(ctx); err != nil {
		return err
	}
	start := e.now()
	err := e.activateController(ctx, id)
	e.finish(OpActivateController, ControllerPath(id), start, err)
	return err
}

func (e *Engine) activateController(ctx context.Context, id string) error {
	if err := e.gate.Acquire(ctx, 1); err != nil {
		return err
	}
	defer e.gate.Release(1)

	c, err := e.model.load().Controller(id)
	if err != nil {
		return err
	}
	if c.Active() {
		e.log.Debug().Str("controller", id).Msg("controller already active")
		return nil
	}

	if err := e.backend.ActivateController(ctx, id); err != nil {
		return e.rejected(ctx, OpActivateController, ControllerPath(id), err)
	}

	// Ports are usually visible right away; a failure here only means
	// WWPNs() has to read them later.
	wwpns, err := e.backend.WWPNs(ctx, id)
	if err != nil {
		e.log.Warn().Err(err).Str("controller", id).Msg("reading ports after activation")
	}
	e.model.update(func(s *Snapshot) {
		s.setControllerState(id, StateActive)
		if err == nil {
			s.setWWPNs(id, wwpns)
		}
	})
	return nil
}

// ActivateDisk activates the unit at controller/wwpn/lun. The controller
// must already be active; ancestors are never activated implicitly.
func (e *Engine) ActivateDisk(ctx context.Context, controllerID, wwpn, lun string) error {
	if err := e.ensureSupported(ctx); err != nil {
		return err
	}
	p := DiskPath(controllerID, wwpn, lun)
	start := e.now()
	err := e.activateDisk(ctx, p)
	e.finish(OpActivateDisk, p, start, err)
	return err
}

func (e *Engine) activateDisk(ctx context.Context, p Path) error {
	if err := e.gate.Acquire(ctx, 1); err != nil {
		return err
	}
	defer e.gate.Release(1)

	if err := e.requireActive(p.Controller); err != nil {
		return err
	}
	if err := e.resolveDisk(ctx, p); err != nil {
		return err
	}
	d, err := e.model.load().Disk(p)
	if err != nil {
		return err
	}
	if d.State == StateActive {
		e.log.Debug().Str("disk", p.String()).Msg("disk already active")
		return nil
	}

	if err := e.backend.ActivateDisk(ctx, p); err != nil {
		rerr := e.rejected(ctx, OpActivateDisk, p, err)
		var aerr *ActivationError
		if errors.As(rerr, &aerr) {
			e.model.update(func(s *Snapshot) {
				if s.resolveAt(p, LevelLUN) == nil {
					s.putDisk(Disk{Controller: p.Controller, WWPN: p.WWPN, LUN: p.LUN,
						State: StateActivationFailed, Reason: aerr.Reason})
				}
			})
		}
		return rerr
	}

	e.model.update(func(s *Snapshot) {
		if s.resolveAt(p, LevelLUN) == nil {
			s.putDisk(Disk{Controller: p.Controller, WWPN: p.WWPN, LUN: p.LUN,
				State: StateActive, Name: d.Name})
		}
	})
	return nil
}

// DeactivateDisk takes an active or failed disk back to inactive.
// Deactivating an inactive disk is a no-op.
func (e *Engine) DeactivateDisk(ctx context.Context, controllerID, wwpn, lun string) error {
	if err := e.ensureSupported(ctx); err != nil {
		return err
	}
	p := DiskPath(controllerID, wwpn, lun)
	start := e.now()
	err := e.deactivateDisk(ctx, p)
	e.finish(OpDeactivateDisk, p, start, err)
	return err
}

func (e *Engine) deactivateDisk(ctx context.Context, p Path) error {
	if err := e.gate.Acquire(ctx, 1); err != nil {
		return err
	}
	defer e.gate.Release(1)

	if err := e.requireActive(p.Controller); err != nil {
		return err
	}
	if err := e.resolveDisk(ctx, p); err != nil {
		return err
	}
	d, err := e.model.load().Disk(p)
	if err != nil {
		return err
	}
	if d.State == StateInactive {
		e.log.Debug().Str("disk", p.String()).Msg("disk already inactive")
		return nil
	}

	if err := e.backend.DeactivateDisk(ctx, p); err != nil {
		return e.rejected(ctx, OpDeactivateDisk, p, err)
	}

	e.model.update(func(s *Snapshot) {
		if s.resolveAt(p, LevelLUN) == nil {
			s.putDisk(Disk{Controller: p.Controller, WWPN: p.WWPN, LUN: p.LUN, State: StateInactive})
		}
	})
	return nil
}

// Probe rescans the hardware and replaces the hierarchy in one step.
// Probes never overlap, and a failed probe keeps the previous snapshot.
func (e *Engine) Probe(ctx context.Context) error {
	if err := e.ensureSupported(ctx); err != nil {
		return err
	}
	start := e.now()
	err := e.probe(ctx)
	e.finish(OpProbe, Path{}, start, err)
	return err
}

func (e *Engine) probe(ctx context.Context) error {
	if err := e.gate.Acquire(ctx, probeWeight); err != nil {
		return err
	}
	defer e.gate.Release(probeWeight)

	next, err := e.scan(ctx, e.model.load())
	if err != nil {
		return fmt.Errorf("probing zfcp devices: %w", err)
	}

	e.luns.Clear()
	for port, luns := range next.luns {
		e.luns.Set(port, slices.Clone(luns))
	}
	e.model.store(next)

	e.log.Info().
		Int("controllers", len(next.controllers)).
		Int("disks", len(next.disks)).
		Int("cached_ports", e.luns.Len()).
		Msg("probe finished")
	return nil
}

// scan builds a fresh snapshot from the backend. Activation failures
// recorded in prev survive as long as the disk is still not active.
func (e *Engine) scan(ctx context.Context, prev *Snapshot) (*Snapshot, error) {
	controllers, err := e.backend.Controllers(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing controllers: %w", err)
	}

	next := newSnapshot()
	for _, c := range controllers {
		c.WWPNs = nil
		if c.Active() {
			wwpns, err := e.backend.WWPNs(ctx, c.ID)
			if err != nil {
				return nil, fmt.Errorf("reading ports of controller %s: %w", c.ID, err)
			}
			c.WWPNs = slices.Clone(wwpns)
		}
		next.putController(c)
	}

	for _, c := range next.controllers {
		for _, wwpn := range c.WWPNs {
			luns, err := e.backend.LUNs(ctx, c.ID, wwpn)
			if err != nil {
				// Not every remote port is a storage target.
				e.log.Warn().Err(err).Str("controller", c.ID).Str("wwpn", wwpn).Msg("LUN discovery failed")
				continue
			}
			next.luns[WWPNPath(c.ID, wwpn)] = slices.Clone(luns)
		}
	}

	active, err := e.backend.ActiveDisks(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing active disks: %w", err)
	}
	for _, d := range active {
		c, err := next.Controller(d.Controller)
		if err != nil || !c.Active() {
			e.log.Warn().Str("disk", d.Path().String()).Msg("active disk behind unknown or inactive controller, skipping")
			continue
		}
		d.State = StateActive
		d.Reason = ""
		next.putDisk(d)
	}

	for p, d := range prev.disks {
		if d.State != StateActivationFailed || next.resolve(p) != nil {
			continue
		}
		if cur, ok := next.disks[p]; ok && cur.State == StateActive {
			continue
		}
		next.disks[p] = d
	}

	next.probedAt = e.now()
	return next, nil
}

// Apply activates a configured set of devices: every controller first,
// then every disk. Disks behind a controller that failed are skipped.
func (e *Engine) Apply(ctx context.Context, devices []Path) error {
	var errs []error
	failed := make(map[string]bool)

	var ids []string
	for _, p := range devices {
		if p.Level() == LevelNone {
			errs = append(errs, fmt.Errorf("device entry without controller: %+v", p))
			continue
		}
		if !slices.Contains(ids, p.Controller) {
			ids = append(ids, p.Controller)
		}
	}
	for _, id := range ids {
		if err := e.ActivateController(ctx, id); err != nil {
			errs = append(errs, err)
			failed[id] = true
		}
	}
	for _, p := range devices {
		if p.Level() != LevelLUN || failed[p.Controller] {
			continue
		}
		if err := e.ActivateDisk(ctx, p.Controller, p.WWPN, p.LUN); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Observe folds a change event into the hierarchy so that state changed
// outside the engine (hot plug, hardware-initiated deactivation) shows up
// in subsequent queries.
func (e *Engine) Observe(ctx context.Context, ev Event) error {
	if err := e.gate.Acquire(ctx, 1); err != nil {
		return err
	}
	defer e.gate.Release(1)

	switch ev.Kind {
	case KindController:
		if ev.Controller == nil {
			return fmt.Errorf("controller event %s without payload", ev.ID)
		}
		e.observeController(ev.Action, *ev.Controller)
	case KindDisk:
		if ev.Disk == nil {
			return fmt.Errorf("disk event %s without payload", ev.ID)
		}
		e.observeDisk(ev.Action, *ev.Disk)
	default:
		return fmt.Errorf("unknown event kind %q", ev.Kind)
	}
	return nil
}

func (e *Engine) observeController(action Action, c Controller) {
	if action == ActionRemoved {
		e.model.update(func(s *Snapshot) { s.dropController(c.ID) })
		e.forgetLUNs(c.ID)
		return
	}
	e.model.update(func(s *Snapshot) {
		if cur, err := s.Controller(c.ID); err == nil {
			if c.State == "" {
				c.State = cur.State
			}
			if c.WWPNs == nil {
				c.WWPNs = cur.WWPNs
			}
		}
		if c.State == "" {
			c.State = StateInactive
		}
		s.putController(c)
	})
	if c.State == StateInactive {
		e.forgetLUNs(c.ID)
	}
}

func (e *Engine) observeDisk(action Action, d Disk) {
	p := d.Path()
	if p.Level() != LevelLUN {
		e.log.Warn().Str("disk", p.String()).Msg("ignoring disk event with incomplete address")
		return
	}
	e.model.update(func(s *Snapshot) {
		if action == ActionRemoved {
			if s.resolve(p) == nil {
				s.putDisk(Disk{Controller: p.Controller, WWPN: p.WWPN, LUN: p.LUN, State: StateInactive})
			}
			return
		}
		if c, err := s.Controller(p.Controller); err == nil && !c.Active() {
			s.setControllerState(p.Controller, StateActive)
		}
		if d.State == "" {
			d.State = StateActive
		}
		s.putDisk(d)
	})
}

func (e *Engine) forgetLUNs(controllerID string) {
	e.luns.DeleteFunc(func(p Path) bool { return p.Controller == controllerID })
}

func (e *Engine) requireActive(controllerID string) error {
	c, err := e.model.load().Controller(controllerID)
	if err != nil {
		return err
	}
	if !c.Active() {
		return notActive(controllerID)
	}
	return nil
}

// refreshWWPNs reads the port list of an active controller from the backend.
func (e *Engine) refreshWWPNs(ctx context.Context, id string) ([]string, error) {
	if err := e.requireActive(id); err != nil {
		return nil, err
	}
	wwpns, err := e.backend.WWPNs(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("reading ports of controller %s: %w", id, err)
	}
	e.model.update(func(s *Snapshot) {
		if c, err := s.Controller(id); err == nil && c.Active() {
			s.setWWPNs(id, wwpns)
		}
	})
	e.luns.DeleteFunc(func(p Path) bool {
		return p.Controller == id && !slices.Contains(wwpns, p.WWPN)
	})
	return slices.Clone(wwpns), nil
}

// resolveWWPN checks a port against the snapshot, rereading the port list
// once if it is not known yet.
func (e *Engine) resolveWWPN(ctx context.Context, port Path) error {
	err := e.model.load().resolveAt(port, LevelWWPN)
	if !errors.Is(err, ErrUnknownWWPN) || port.WWPN == "" {
		return err
	}
	if _, err := e.refreshWWPNs(ctx, port.Controller); err != nil {
		return err
	}
	return e.model.load().resolveAt(port, LevelWWPN)
}

// resolveDisk checks a full address, enumerating the port's LUNs when the
// LUN is not known yet.
func (e *Engine) resolveDisk(ctx context.Context, p Path) error {
	port := WWPNPath(p.Controller, p.WWPN)
	if err := e.resolveWWPN(ctx, port); err != nil {
		return err
	}
	err := e.model.load().resolveAt(p, LevelLUN)
	if !errors.Is(err, ErrUnknownLUN) || p.LUN == "" {
		return err
	}
	if _, err := e.enumerateLUNs(ctx, port, true); err != nil {
		return err
	}
	return e.model.load().resolveAt(p, LevelLUN)
}

func (e *Engine) enumerateLUNs(ctx context.Context, port Path, refresh bool) ([]string, error) {
	if !refresh {
		if luns, ok := e.luns.Get(port); ok {
			if e.model.load().luns[port] == nil {
				e.model.update(func(s *Snapshot) {
					if s.resolve(port) == nil && s.luns[port] == nil {
						s.setLUNs(port, luns)
					}
				})
			}
			return slices.Clone(luns), nil
		}
	}

	luns, err := e.backend.LUNs(ctx, port.Controller, port.WWPN)
	if err != nil {
		return nil, fmt.Errorf("listing LUNs of %s: %w", port, err)
	}
	e.luns.Cleanup()
	e.luns.Set(port, slices.Clone(luns))
	e.model.update(func(s *Snapshot) {
		if s.resolve(port) == nil {
			s.setLUNs(port, luns)
		}
	})
	return slices.Clone(luns), nil
}

// rejected turns a backend failure into an ActivationError unless the
// caller gave up first.
func (e *Engine) rejected(ctx context.Context, op string, p Path, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s %s: %w", op, p, ctxErr)
	}
	return &ActivationError{Op: op, Path: p, Reason: err.Error()}
}

func (e *Engine) finish(op string, p Path, start time.Time, err error) {
	took := e.now().Sub(start)
	e.rec.Operation(op, p, took, err)

	evt := e.log.Info()
	if err != nil {
		evt = e.log.Error().Err(err)
	}
	if p.Level() != LevelNone {
		evt = evt.Str("path", p.String())
	}
	evt.Str("op", op).Dur("took", took).Msg("operation finished")
}
