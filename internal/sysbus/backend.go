// Package sysbus drives zfcp devices through sysfs and the s390-tools.
package sysbus

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/rs/zerolog"

	"github.com/sigreer/zfcpgod/internal/zfcp"
)

// Defaults used when Options leave a field empty.
const (
	DefaultSysfsRoot = "/sys"
	DefaultDevRoot   = "/dev"
	DefaultChzdev    = "chzdev"
	DefaultLsluns    = "lsluns"
)

// Options configures a Backend.
type Options struct {
	SysfsRoot string
	DevRoot   string
	Chzdev    string
	Lsluns    string
	Arch      string // defaults to runtime.GOARCH
	Runner    Runner
	Logger    *zerolog.Logger
}

// Backend implements zfcp.Backend on a Linux on Z host.
type Backend struct {
	sysfs  string
	dev    string
	chzdev string
	lsluns string
	arch   string
	runner Runner
	log    zerolog.Logger
}

var _ zfcp.Backend = (*Backend)(nil)

// New returns a backend with defaults applied.
func New(opts Options) *Backend {
	b := &Backend{
		sysfs:  opts.SysfsRoot,
		dev:    opts.DevRoot,
		chzdev: opts.Chzdev,
		lsluns: opts.Lsluns,
		arch:   opts.Arch,
		runner: opts.Runner,
		log:    zerolog.Nop(),
	}
	if b.sysfs == "" {
		b.sysfs = DefaultSysfsRoot
	}
	if b.dev == "" {
		b.dev = DefaultDevRoot
	}
	if b.chzdev == "" {
		b.chzdev = DefaultChzdev
	}
	if b.lsluns == "" {
		b.lsluns = DefaultLsluns
	}
	if b.arch == "" {
		b.arch = runtime.GOARCH
	}
	if b.runner == nil {
		b.runner = ExecRunner{}
	}
	if opts.Logger != nil {
		b.log = *opts.Logger
	}
	return b
}

func (b *Backend) driverDir() string {
	return filepath.Join(b.sysfs, "bus", "ccw", "drivers", "zfcp")
}

func (b *Backend) deviceDir(id string) string {
	return filepath.Join(b.driverDir(), id)
}

// Supported reports whether this is an s390x host with the zfcp driver loaded.
func (b *Backend) Supported(context.Context) (bool, error) {
	if b.arch != "s390x" {
		return false, nil
	}
	info, err := os.Stat(b.driverDir())
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("checking zfcp driver: %w", err)
	}
	return info.IsDir(), nil
}

// Controllers lists the FCP devices bound to the zfcp driver in bus-ID order.
func (b *Backend) Controllers(context.Context) ([]zfcp.Controller, error) {
	entries, err := os.ReadDir(b.driverDir())
	if err != nil {
		return nil, fmt.Errorf("reading zfcp driver directory: %w", err)
	}

	lunScan := readAttr(filepath.Join(b.sysfs, "module", "zfcp", "parameters", "allow_lun_scan")) == "Y"

	var controllers []zfcp.Controller
	for _, entry := range entries {
		id := entry.Name()
		if !isBusID(id) {
			continue
		}
		c := zfcp.Controller{ID: id, State: zfcp.StateInactive}
		if readAttr(filepath.Join(b.deviceDir(id), "online")) == "1" {
			c.State = zfcp.StateActive
			c.LUNScan = lunScan && b.npiv(id)
		}
		controllers = append(controllers, c)
	}

	return controllers, nil
}

// npiv reports whether the adapter behind an online device runs in NPIV mode.
func (b *Backend) npiv(id string) bool {
	matches, _ := filepath.Glob(filepath.Join(b.deviceDir(id), "host*", "fc_host", "host*", "port_type"))
	for _, m := range matches {
		if strings.Contains(readAttr(m), "NPIV") {
			return true
		}
	}
	return false
}

// ActivateController sets the FCP device online in the active configuration.
func (b *Backend) ActivateController(ctx context.Context, id string) error {
	_, err := run(ctx, b.runner, b.chzdev, "--enable", "--active", "--yes", "zfcp-host", id)
	if err != nil {
		b.log.Debug().Err(err).Str("controller", id).Msg("chzdev zfcp-host failed")
		return err
	}
	return nil
}

// WWPNs lists the remote ports sysfs shows under an online device.
func (b *Backend) WWPNs(_ context.Context, id string) ([]string, error) {
	entries, err := os.ReadDir(b.deviceDir(id))
	if err != nil {
		return nil, fmt.Errorf("reading ports of %s: %w", id, err)
	}

	wwpns := []string{}
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), "0x") && isDir(filepath.Join(b.deviceDir(id), entry.Name())) {
			wwpns = append(wwpns, entry.Name())
		}
	}
	return wwpns, nil
}

// LUNs asks the storage target behind a port for its LUNs.
func (b *Backend) LUNs(ctx context.Context, id, wwpn string) ([]string, error) {
	out, err := run(ctx, b.runner, b.lsluns, "-c", id, "-p", wwpn)
	if err != nil {
		return nil, err
	}
	return parseLsluns(out, wwpn), nil
}

// ActiveDisks lists the units attached below every online device. Units the
// driver marked as failed are not active.
func (b *Backend) ActiveDisks(ctx context.Context) ([]zfcp.Disk, error) {
	controllers, err := b.Controllers(ctx)
	if err != nil {
		return nil, err
	}

	var disks []zfcp.Disk
	for _, c := range controllers {
		if !c.Active() {
			continue
		}
		wwpns, err := b.WWPNs(ctx, c.ID)
		if err != nil {
			return nil, err
		}
		for _, wwpn := range wwpns {
			portDir := filepath.Join(b.deviceDir(c.ID), wwpn)
			entries, err := os.ReadDir(portDir)
			if err != nil {
				b.log.Warn().Err(err).Str("controller", c.ID).Str("wwpn", wwpn).Msg("reading units")
				continue
			}
			for _, entry := range entries {
				lun := entry.Name()
				if !strings.HasPrefix(lun, "0x") || !isDir(filepath.Join(portDir, lun)) {
					continue
				}
				if readAttr(filepath.Join(portDir, lun, "failed")) == "1" {
					continue
				}
				p := zfcp.DiskPath(c.ID, wwpn, lun)
				disks = append(disks, zfcp.Disk{
					Controller: c.ID,
					WWPN:       wwpn,
					LUN:        lun,
					State:      zfcp.StateActive,
					Name:       b.blockDevice(p),
				})
			}
		}
	}
	return disks, nil
}

// blockDevice resolves the kernel name of a unit through /dev/disk/by-path.
func (b *Backend) blockDevice(p zfcp.Path) string {
	link := filepath.Join(b.dev, "disk", "by-path", ByPathName(p))
	target, err := filepath.EvalSymlinks(link)
	if err != nil {
		return ""
	}
	return "/dev/" + filepath.Base(target)
}

// ActivateDisk attaches the unit and sets it online.
func (b *Backend) ActivateDisk(ctx context.Context, p zfcp.Path) error {
	return b.chzdevLUN(ctx, "--enable", p)
}

// DeactivateDisk removes the unit from the active configuration.
func (b *Backend) DeactivateDisk(ctx context.Context, p zfcp.Path) error {
	return b.chzdevLUN(ctx, "--disable", p)
}

func (b *Backend) chzdevLUN(ctx context.Context, mode string, p zfcp.Path) error {
	_, err := run(ctx, b.runner, b.chzdev, mode, "--active", "--yes", "zfcp-lun", p.String())
	if err != nil {
		b.log.Debug().Err(err).Str("disk", p.String()).Str("mode", mode).Msg("chzdev zfcp-lun failed")
		return err
	}
	return nil
}

func readAttr(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
