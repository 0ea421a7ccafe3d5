package zfcp

import (
	"slices"
	"sync/atomic"
	"time"
)

// State is the activation state of a controller or disk.
type State string

const (
	StateInactive         State = "inactive"
	StateActive           State = "active"
	StateActivationFailed State = "activation_failed"
)

// Controller is an FCP device (zfcp host adapter channel).
type Controller struct {
	ID      string   `json:"id"`
	State   State    `json:"state"`
	LUNScan bool     `json:"lun_scan"` // automatic LUN scan in effect (NPIV + allow_lun_scan)
	WWPNs   []string `json:"wwpns,omitempty"`
}

// Active reports whether the controller path is online.
func (c Controller) Active() bool {
	return c.State == StateActive
}

// Disk is the storage unit reachable at a controller/WWPN/LUN triple.
type Disk struct {
	Controller string `json:"controller"`
	WWPN       string `json:"wwpn"`
	LUN        string `json:"lun"`
	State      State  `json:"state"`
	Name       string `json:"name,omitempty"`           // block device, e.g. /dev/sda
	Reason     string `json:"failure_reason,omitempty"` // set when State is activation_failed
}

// Path returns the disk address.
func (d Disk) Path() Path {
	return DiskPath(d.Controller, d.WWPN, d.LUN)
}

// Snapshot is an immutable view of the hierarchy. Mutations go through
// clone and are published with a single pointer swap.
type Snapshot struct {
	controllers []Controller
	index       map[string]int
	luns        map[Path][]string // keyed by WWPNPath, enumeration order
	disks       map[Path]Disk     // keyed by DiskPath
	probedAt    time.Time
}

func newSnapshot() *Snapshot {
	return &Snapshot{
		index: make(map[string]int),
		luns:  make(map[Path][]string),
		disks: make(map[Path]Disk),
	}
}

// ProbedAt returns when the snapshot was rebuilt by a probe (zero if never).
func (s *Snapshot) ProbedAt() time.Time {
	return s.probedAt
}

// Controllers returns the controllers in discovery order.
func (s *Snapshot) Controllers() []Controller {
	out := make([]Controller, len(s.controllers))
	for i, c := range s.controllers {
		c.WWPNs = slices.Clone(c.WWPNs)
		out[i] = c
	}
	return out
}

// Controller looks up a controller by its bus-ID.
func (s *Snapshot) Controller(id string) (Controller, error) {
	i, ok := s.index[id]
	if !ok {
		return Controller{}, unknownAt(LevelController, ControllerPath(id))
	}
	c := s.controllers[i]
	c.WWPNs = slices.Clone(c.WWPNs)
	return c, nil
}

// LUNs returns the LUNs known for a port, nil if the port was never enumerated.
func (s *Snapshot) LUNs(controllerID, wwpn string) []string {
	return slices.Clone(s.luns[WWPNPath(controllerID, wwpn)])
}

// Disk returns the disk at p. Disks that were enumerated but never touched
// are reported Inactive.
func (s *Snapshot) Disk(p Path) (Disk, error) {
	if err := s.resolveAt(p, LevelLUN); err != nil {
		return Disk{}, err
	}
	if d, ok := s.disks[p]; ok {
		return d, nil
	}
	return Disk{Controller: p.Controller, WWPN: p.WWPN, LUN: p.LUN, State: StateInactive}, nil
}

// Disks lists every known disk ordered by controller, then WWPN, then LUN
// enumeration order.
func (s *Snapshot) Disks() []Disk {
	var out []Disk
	for _, c := range s.controllers {
		for _, wwpn := range c.WWPNs {
			for _, lun := range s.luns[WWPNPath(c.ID, wwpn)] {
				p := DiskPath(c.ID, wwpn, lun)
				d, ok := s.disks[p]
				if !ok {
					d = Disk{Controller: c.ID, WWPN: wwpn, LUN: lun, State: StateInactive}
				}
				out = append(out, d)
			}
		}
	}
	return out
}

// resolve checks every level of p against the snapshot and reports the
// first one that does not exist.
func (s *Snapshot) resolve(p Path) error {
	return s.resolveAt(p, p.Level())
}

// resolveAt checks p down to level want. An empty component at or above want
// is unknown at its level. Levels below an inactive controller cannot be
// resolved and yield ErrPreconditionFailed.
func (s *Snapshot) resolveAt(p Path, want Level) error {
	if p.Controller == "" {
		return unknownAt(LevelController, p)
	}
	i, ok := s.index[p.Controller]
	if !ok {
		return unknownAt(LevelController, p)
	}
	if want <= LevelController {
		return nil
	}
	c := s.controllers[i]
	if !c.Active() {
		return notActive(c.ID)
	}
	if p.WWPN == "" || !slices.Contains(c.WWPNs, p.WWPN) {
		return unknownAt(LevelWWPN, p)
	}
	if want == LevelWWPN {
		return nil
	}
	if p.LUN == "" || !slices.Contains(s.luns[WWPNPath(p.Controller, p.WWPN)], p.LUN) {
		return unknownAt(LevelLUN, p)
	}
	return nil
}

func (s *Snapshot) clone() *Snapshot {
	n := &Snapshot{
		controllers: make([]Controller, len(s.controllers)),
		index:       make(map[string]int, len(s.index)),
		luns:        make(map[Path][]string, len(s.luns)),
		disks:       make(map[Path]Disk, len(s.disks)),
		probedAt:    s.probedAt,
	}
	for i, c := range s.controllers {
		c.WWPNs = slices.Clone(c.WWPNs)
		n.controllers[i] = c
	}
	for k, v := range s.index {
		n.index[k] = v
	}
	for k, v := range s.luns {
		n.luns[k] = slices.Clone(v)
	}
	for k, v := range s.disks {
		n.disks[k] = v
	}
	return n
}

// putController inserts or replaces a controller, keeping discovery order.
// An active entry keeps its WWPN list when c carries none; an inactive one
// loses its ports, LUNs and disks.
func (s *Snapshot) putController(c Controller) {
	i, ok := s.index[c.ID]
	if !ok {
		i = len(s.controllers)
		s.index[c.ID] = i
		s.controllers = append(s.controllers, Controller{})
	} else if c.Active() && c.WWPNs == nil {
		c.WWPNs = s.controllers[i].WWPNs
	}
	s.controllers[i] = c
	if !c.Active() {
		s.setWWPNs(c.ID, nil)
	}
}

// setControllerState changes the state of a known controller.
func (s *Snapshot) setControllerState(id string, state State) {
	i, ok := s.index[id]
	if !ok {
		return
	}
	c := s.controllers[i]
	c.State = state
	s.putController(c)
}

// dropController removes a controller together with its ports and disks.
func (s *Snapshot) dropController(id string) {
	i, ok := s.index[id]
	if !ok {
		return
	}
	s.controllers = slices.Delete(s.controllers, i, i+1)
	delete(s.index, id)
	for j := i; j < len(s.controllers); j++ {
		s.index[s.controllers[j].ID] = j
	}
	for p := range s.luns {
		if p.Controller == id {
			delete(s.luns, p)
		}
	}
	for p := range s.disks {
		if p.Controller == id {
			delete(s.disks, p)
		}
	}
}

// setWWPNs replaces the port list of a controller. Ports that vanished take
// their LUNs and disks with them.
func (s *Snapshot) setWWPNs(id string, wwpns []string) {
	i, ok := s.index[id]
	if !ok {
		return
	}
	s.controllers[i].WWPNs = slices.Clone(wwpns)
	for p := range s.luns {
		if p.Controller == id && !slices.Contains(wwpns, p.WWPN) {
			delete(s.luns, p)
		}
	}
	for p := range s.disks {
		if p.Controller == id && !slices.Contains(wwpns, p.WWPN) {
			delete(s.disks, p)
		}
	}
}

// setLUNs replaces the LUN list of a port. Disk states of LUNs that are
// still present are kept; active units the target no longer reports stay
// listed until they are deactivated or removed.
func (s *Snapshot) setLUNs(port Path, luns []string) {
	list := slices.Clone(luns)
	for p, d := range s.disks {
		if p.Parent() != port || slices.Contains(luns, p.LUN) {
			continue
		}
		if d.State == StateActive {
			list = append(list, p.LUN)
			continue
		}
		delete(s.disks, p)
	}
	s.luns[port] = list
}

// putDisk records a disk, creating its ancestors when they are missing.
// A disk only exists behind an active path, so a created controller is Active.
func (s *Snapshot) putDisk(d Disk) {
	i, ok := s.index[d.Controller]
	if !ok {
		s.putController(Controller{ID: d.Controller, State: StateActive})
		i = s.index[d.Controller]
	}
	c := &s.controllers[i]
	if !slices.Contains(c.WWPNs, d.WWPN) {
		c.WWPNs = append(c.WWPNs, d.WWPN)
	}
	port := WWPNPath(d.Controller, d.WWPN)
	if !slices.Contains(s.luns[port], d.LUN) {
		s.luns[port] = append(s.luns[port], d.LUN)
	}
	s.disks[d.Path()] = d
}

// model holds the current snapshot. Readers never observe a partially
// rebuilt hierarchy because every writer publishes a fresh copy.
type model struct {
	current atomic.Pointer[Snapshot]
}

func newModel() *model {
	m := &model{}
	m.current.Store(newSnapshot())
	return m
}

func (m *model) load() *Snapshot {
	return m.current.Load()
}

func (m *model) store(s *Snapshot) {
	m.current.Store(s)
}

// update applies fn to a copy of the current snapshot and publishes it,
// retrying when another writer got there first.
func (m *model) update(fn func(*Snapshot)) *Snapshot {
	for {
		old := m.current.Load()
		next := old.clone()
		fn(next)
		if m.current.CompareAndSwap(old, next) {
			return next
		}
	}
}
