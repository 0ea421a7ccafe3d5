package sysbus

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sigreer/zfcpgod/internal/zfcp"
)

const (
	wwpnA = "0x500507630300c562"
	wwpnB = "0x500507630303c562"
	lunA  = "0x4010403300000000"
	lunB  = "0x4010403400000000"
)

type fakeRunner struct {
	mu      sync.Mutex
	calls   []string
	outputs map[string]string
	fail    map[string]bool
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{outputs: make(map[string]string), fail: make(map[string]bool)}
}

func (r *fakeRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cmd := name + " " + strings.Join(args, " ")
	r.calls = append(r.calls, cmd)
	if r.fail[cmd] {
		return []byte(r.outputs[cmd] + "\n"), errors.New("exit status 1")
	}
	return []byte(r.outputs[cmd]), nil
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

// fixture lays out a sysfs tree with one online NPIV device carrying two
// ports and one offline device.
func fixture(t *testing.T) (sysfs, dev string) {
	t.Helper()
	root := t.TempDir()
	sysfs = filepath.Join(root, "sys")
	dev = filepath.Join(root, "dev")

	driver := filepath.Join(sysfs, "bus", "ccw", "drivers", "zfcp")
	writeFile(t, filepath.Join(driver, "bind"), "")
	writeFile(t, filepath.Join(driver, "0.0.fc00", "online"), "1\n")
	writeFile(t, filepath.Join(driver, "0.0.fc00", "host0", "fc_host", "host0", "port_type"), "NPIV VPORT\n")
	writeFile(t, filepath.Join(driver, "0.0.fc00", wwpnA, lunA, "failed"), "0\n")
	writeFile(t, filepath.Join(driver, "0.0.fc00", wwpnA, lunB, "failed"), "1\n")
	require.NoError(t, os.MkdirAll(filepath.Join(driver, "0.0.fc00", wwpnB), 0o755))
	writeFile(t, filepath.Join(driver, "0.0.fc00", "0x0_not_a_port"), "")
	writeFile(t, filepath.Join(driver, "0.0.fd00", "online"), "0\n")
	writeFile(t, filepath.Join(sysfs, "module", "zfcp", "parameters", "allow_lun_scan"), "Y\n")

	writeFile(t, filepath.Join(dev, "sda"), "")
	byPath := filepath.Join(dev, "disk", "by-path")
	require.NoError(t, os.MkdirAll(byPath, 0o755))
	require.NoError(t, os.Symlink("../../sda",
		filepath.Join(byPath, "ccw-0.0.fc00-fc-"+wwpnA+"-lun-"+lunA)))
	return sysfs, dev
}

func newTestBackend(t *testing.T, r Runner) *Backend {
	sysfs, dev := fixture(t)
	return New(Options{SysfsRoot: sysfs, DevRoot: dev, Arch: "s390x", Runner: r})
}

func TestSupported(t *testing.T) {
	ctx := context.Background()
	sysfs, _ := fixture(t)

	tests := []struct {
		name string
		opts Options
		want bool
	}{
		{"s390x with driver", Options{SysfsRoot: sysfs, Arch: "s390x"}, true},
		{"other architecture", Options{SysfsRoot: sysfs, Arch: "amd64"}, false},
		{"driver not loaded", Options{SysfsRoot: t.TempDir(), Arch: "s390x"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := New(tt.opts).Supported(ctx)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
		})
	}
}

func TestControllers(t *testing.T) {
	b := newTestBackend(t, newFakeRunner())

	got, err := b.Controllers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []zfcp.Controller{
		{ID: "0.0.fc00", State: zfcp.StateActive, LUNScan: true},
		{ID: "0.0.fd00", State: zfcp.StateInactive},
	}, got)
}

func TestWWPNs(t *testing.T) {
	b := newTestBackend(t, newFakeRunner())

	got, err := b.WWPNs(context.Background(), "0.0.fc00")
	require.NoError(t, err)
	assert.Equal(t, []string{wwpnA, wwpnB}, got)

	_, err = b.WWPNs(context.Background(), "0.0.ffff")
	assert.Error(t, err)
}

func TestActiveDisks(t *testing.T) {
	b := newTestBackend(t, newFakeRunner())

	got, err := b.ActiveDisks(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []zfcp.Disk{{
		Controller: "0.0.fc00",
		WWPN:       wwpnA,
		LUN:        lunA,
		State:      zfcp.StateActive,
		Name:       "/dev/sda",
	}}, got)
}

func TestLUNs(t *testing.T) {
	r := newFakeRunner()
	r.outputs["lsluns -c 0.0.fc00 -p "+wwpnA] = `Scanning for LUNs on adapter 0.0.fc00
	at port 0x500507630300c562:
		0x4010403400000000
		0x4010403300000000
`
	cmd := "lsluns -c 0.0.fc00 -p " + wwpnB
	r.outputs[cmd] = "Error: Unable to access port 0x500507630303c562"
	r.fail[cmd] = true
	b := newTestBackend(t, r)

	got, err := b.LUNs(context.Background(), "0.0.fc00", wwpnA)
	require.NoError(t, err)
	assert.Equal(t, []string{lunB, lunA}, got)

	_, err = b.LUNs(context.Background(), "0.0.fc00", wwpnB)
	require.Error(t, err)
	assert.Equal(t, "Error: Unable to access port 0x500507630303c562", err.Error())
}

func TestActivation(t *testing.T) {
	ctx := context.Background()
	r := newFakeRunner()
	failing := "chzdev --enable --active --yes zfcp-lun 0.0.fc00:" + wwpnB + ":" + lunB
	r.outputs[failing] = "Error: Could not attach LUN"
	r.fail[failing] = true
	b := newTestBackend(t, r)

	require.NoError(t, b.ActivateController(ctx, "0.0.fd00"))
	require.NoError(t, b.ActivateDisk(ctx, zfcp.DiskPath("0.0.fc00", wwpnA, lunA)))
	require.NoError(t, b.DeactivateDisk(ctx, zfcp.DiskPath("0.0.fc00", wwpnA, lunA)))

	err := b.ActivateDisk(ctx, zfcp.DiskPath("0.0.fc00", wwpnB, lunB))
	require.Error(t, err)
	assert.Equal(t, "Error: Could not attach LUN", err.Error())
	var toolErr *ToolError
	require.True(t, errors.As(err, &toolErr))
	assert.Equal(t, -1, toolErr.ExitCode())

	assert.Equal(t, []string{
		"chzdev --enable --active --yes zfcp-host 0.0.fd00",
		"chzdev --enable --active --yes zfcp-lun 0.0.fc00:" + wwpnA + ":" + lunA,
		"chzdev --disable --active --yes zfcp-lun 0.0.fc00:" + wwpnA + ":" + lunA,
		failing,
	}, r.calls)
}

func TestParseLsluns(t *testing.T) {
	out := `Scanning for LUNs on adapter 0.0.fc00
	at port 0x500507630300c562:
		0x4010403300000000 disk
	at port 0x500507630303c562:
		0x4011403300000000
`
	assert.Equal(t, []string{lunA}, parseLsluns(out, wwpnA))
	assert.Equal(t, []string{"0x4011403300000000"}, parseLsluns(out, wwpnB))
	assert.Equal(t, []string{}, parseLsluns(out, "0x5005076303ffffff"))
}

func TestParseIDPath(t *testing.T) {
	tests := []struct {
		in   string
		want zfcp.Path
		ok   bool
	}{
		{"ccw-0.0.fc00-fc-0x500507630300c562-lun-0x4010403300000000",
			zfcp.DiskPath("0.0.fc00", wwpnA, lunA), true},
		{"ccw-0.0.fc00-zfcp-0x500507630300c562:0x4010403300000000",
			zfcp.DiskPath("0.0.fc00", wwpnA, lunA), true},
		{"ccw-0.0.fc00-fc-0x500507630300c562-lun-0x4010403300000000-part2",
			zfcp.DiskPath("0.0.fc00", wwpnA, lunA), true},
		{"ccw-0.0.0150", zfcp.Path{}, false},
		{"pci-0000:00:1f.2-ata-1", zfcp.Path{}, false},
		{"ccw-0.0.fc00-fc-0x500507630300c562", zfcp.Path{}, false},
		{"ccw-bogus-fc-0x500507630300c562-lun-0x4010403300000000", zfcp.Path{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := ParseIDPath(tt.in)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}

	p := zfcp.DiskPath("0.0.fc00", wwpnA, lunA)
	back, ok := ParseIDPath(ByPathName(p))
	require.True(t, ok)
	assert.Equal(t, p, back)
}
