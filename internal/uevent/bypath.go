package uevent

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/sigreer/zfcpgod/internal/sysbus"
	"github.com/sigreer/zfcpgod/internal/zfcp"
)

// ByPathSource watches the /dev/disk/by-path links udev maintains for zfcp
// units. It needs no netlink access, which makes it usable in containers
// that only see /dev.
type ByPathSource struct {
	dir string
	log zerolog.Logger
}

var _ zfcp.Source = (*ByPathSource)(nil)

// NewByPathSource watches <devRoot>/disk/by-path.
func NewByPathSource(devRoot string, opts Options) *ByPathSource {
	s := &ByPathSource{
		dir: filepath.Join(devRoot, "disk", "by-path"),
		log: zerolog.Nop(),
	}
	if opts.Logger != nil {
		s.log = *opts.Logger
	}
	s.log = s.log.With().Str("source", "by-path").Logger()
	return s
}

// Watch reports created links as added disks and removed links as removed
// disks. Partition links are ignored.
func (s *ByPathSource) Watch(ctx context.Context) (<-chan zfcp.Change, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating watcher: %w", err)
	}
	if err := w.Add(s.dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("watching %s: %w", s.dir, err)
	}

	out := make(chan zfcp.Change)
	go s.forward(ctx, w, out)
	return out, nil
}

func (s *ByPathSource) forward(ctx context.Context, w *fsnotify.Watcher, out chan<- zfcp.Change) {
	defer close(out)
	defer w.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				s.log.Warn().Msg("watcher closed")
				return
			}
			change, ok := s.translate(ev)
			if !ok {
				continue
			}
			select {
			case out <- change:
			case <-ctx.Done():
				return
			}
		case err, ok := <-w.Errors:
			if ok && ctx.Err() == nil {
				s.log.Error().Err(err).Msg("watch failed")
			}
			return
		}
	}
}

func (s *ByPathSource) translate(ev fsnotify.Event) (zfcp.Change, bool) {
	name := filepath.Base(ev.Name)
	if strings.Contains(name, "-part") {
		return zfcp.Change{}, false
	}
	p, ok := sysbus.ParseIDPath(name)
	if !ok {
		return zfcp.Change{}, false
	}
	d := &zfcp.Disk{Controller: p.Controller, WWPN: p.WWPN, LUN: p.LUN}

	switch {
	case ev.Has(fsnotify.Create):
		d.State = zfcp.StateActive
		if target, err := filepath.EvalSymlinks(ev.Name); err == nil {
			d.Name = "/dev/" + filepath.Base(target)
		}
		return zfcp.Change{Action: zfcp.ActionAdded, Disk: d}, true
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		d.State = zfcp.StateInactive
		return zfcp.Change{Action: zfcp.ActionRemoved, Disk: d}, true
	default:
		return zfcp.Change{}, false
	}
}
