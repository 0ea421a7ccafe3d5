// Package uevent turns kernel and udev device notifications into zfcp
// change streams.
package uevent

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/pilebones/go-udev/netlink"
	"github.com/rs/zerolog"

	"github.com/sigreer/zfcpgod/internal/sysbus"
	"github.com/sigreer/zfcpgod/internal/zfcp"
)

// DefaultBuffer is the size of the raw uevent queue.
const DefaultBuffer = 64

// conn is the part of *netlink.UEventConn a source uses.
type conn interface {
	Monitor(queue chan netlink.UEvent, errs chan error, matcher netlink.Matcher) chan struct{}
	Close() error
}

func dialUdev() (conn, error) {
	c := new(netlink.UEventConn)
	if err := c.Connect(netlink.UdevEvent); err != nil {
		return nil, err
	}
	return c, nil
}

// Options configures a NetlinkSource.
type Options struct {
	Logger *zerolog.Logger
	Buffer int
}

// NetlinkSource listens on the udev netlink socket and translates matching
// events into changes. Every Watch opens its own socket.
type NetlinkSource struct {
	name      string
	matcher   netlink.Matcher
	translate func(netlink.UEvent) (zfcp.Change, bool)
	buffer    int
	log       zerolog.Logger
	dial      func() (conn, error)
}

var _ zfcp.Source = (*NetlinkSource)(nil)

func newNetlinkSource(name string, opts Options, matcher netlink.Matcher, translate func(netlink.UEvent) (zfcp.Change, bool)) *NetlinkSource {
	s := &NetlinkSource{
		name:      name,
		matcher:   matcher,
		translate: translate,
		buffer:    opts.Buffer,
		log:       zerolog.Nop(),
		dial:      dialUdev,
	}
	if s.buffer <= 0 {
		s.buffer = DefaultBuffer
	}
	if opts.Logger != nil {
		s.log = *opts.Logger
	}
	s.log = s.log.With().Str("source", name).Logger()
	return s
}

// NewControllerSource reports FCP devices binding to, unbinding from and
// changing state under the zfcp driver.
func NewControllerSource(opts Options) *NetlinkSource {
	return newNetlinkSource("controllers", opts, &netlink.RuleDefinitions{
		Rules: []netlink.RuleDefinition{
			{Env: map[string]string{"SUBSYSTEM": "ccw", "DRIVER": "zfcp"}},
		},
	}, controllerChange)
}

// NewDiskSource reports SCSI disks attached through zfcp appearing,
// changing and disappearing.
func NewDiskSource(opts Options) *NetlinkSource {
	return newNetlinkSource("disks", opts, &netlink.RuleDefinitions{
		Rules: []netlink.RuleDefinition{
			{Env: map[string]string{
				"SUBSYSTEM": "block",
				"DEVTYPE":   "disk",
				"ID_PATH":   "^ccw-.*-(fc|zfcp)-0x",
			}},
		},
	}, diskChange)
}

// Watch connects to udev and forwards translated events until ctx is done.
// A monitor error or a closed event queue ends the stream early.
func (s *NetlinkSource) Watch(ctx context.Context) (<-chan zfcp.Change, error) {
	c, err := s.dial()
	if err != nil {
		return nil, fmt.Errorf("connecting to udev netlink: %w", err)
	}

	raw := make(chan netlink.UEvent, s.buffer)
	errs := make(chan error, 1)
	quit := c.Monitor(raw, errs, s.matcher)

	out := make(chan zfcp.Change)
	go s.forward(ctx, c, quit, raw, errs, out)
	return out, nil
}

func (s *NetlinkSource) forward(ctx context.Context, c conn, quit chan struct{}, raw <-chan netlink.UEvent, errs <-chan error, out chan<- zfcp.Change) {
	defer close(out)
	defer func() {
		select {
		case quit <- struct{}{}:
		default:
		}
		c.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-raw:
			if !ok {
				s.log.Warn().Msg("udev event queue closed")
				return
			}
			change, ok := s.translate(ev)
			if !ok {
				s.log.Debug().Str("action", string(ev.Action)).Str("kobj", ev.KObj).Msg("event dropped")
				continue
			}
			select {
			case out <- change:
			case <-ctx.Done():
				return
			}
		case err := <-errs:
			// The monitor keeps running after a message it cannot parse.
			if strings.Contains(err.Error(), "parse uevent") {
				s.log.Debug().Err(err).Msg("skipping malformed uevent")
				continue
			}
			if ctx.Err() == nil {
				s.log.Error().Err(err).Msg("udev monitor failed")
			}
			return
		}
	}
}

func controllerChange(ev netlink.UEvent) (zfcp.Change, bool) {
	id := filepath.Base(ev.KObj)
	if id == "" || id == "." || id == "/" {
		return zfcp.Change{}, false
	}
	c := &zfcp.Controller{ID: id}

	switch ev.Action {
	case netlink.ADD, netlink.BIND:
		return zfcp.Change{Action: zfcp.ActionAdded, Controller: c}, true
	case netlink.REMOVE, netlink.UNBIND:
		return zfcp.Change{Action: zfcp.ActionRemoved, Controller: c}, true
	case netlink.ONLINE:
		c.State = zfcp.StateActive
		return zfcp.Change{Action: zfcp.ActionChanged, Controller: c}, true
	case netlink.OFFLINE:
		c.State = zfcp.StateInactive
		return zfcp.Change{Action: zfcp.ActionChanged, Controller: c}, true
	case netlink.CHANGE:
		return zfcp.Change{Action: zfcp.ActionChanged, Controller: c}, true
	default:
		return zfcp.Change{}, false
	}
}

func diskChange(ev netlink.UEvent) (zfcp.Change, bool) {
	p, ok := sysbus.ParseIDPath(ev.Env["ID_PATH"])
	if !ok {
		return zfcp.Change{}, false
	}
	d := &zfcp.Disk{Controller: p.Controller, WWPN: p.WWPN, LUN: p.LUN}

	switch ev.Action {
	case netlink.ADD:
		d.State = zfcp.StateActive
		d.Name = devName(ev.Env["DEVNAME"])
		return zfcp.Change{Action: zfcp.ActionAdded, Disk: d}, true
	case netlink.CHANGE, netlink.ONLINE:
		d.State = zfcp.StateActive
		d.Name = devName(ev.Env["DEVNAME"])
		return zfcp.Change{Action: zfcp.ActionChanged, Disk: d}, true
	case netlink.REMOVE, netlink.OFFLINE:
		d.State = zfcp.StateInactive
		return zfcp.Change{Action: zfcp.ActionRemoved, Disk: d}, true
	default:
		return zfcp.Change{}, false
	}
}

// devName normalises DEVNAME, which udev reports as /dev/sda and the kernel
// as sda.
func devName(name string) string {
	if name == "" || strings.HasPrefix(name, "/dev/") {
		return name
	}
	return "/dev/" + name
}
