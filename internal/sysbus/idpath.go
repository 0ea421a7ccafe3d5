package sysbus

import (
	"fmt"
	"strings"

	"github.com/sigreer/zfcpgod/internal/zfcp"
)

// ByPathName returns the /dev/disk/by-path link name udev creates for a
// zfcp unit.
func ByPathName(p zfcp.Path) string {
	return fmt.Sprintf("ccw-%s-fc-%s-lun-%s", p.Controller, p.WWPN, p.LUN)
}

// ParseIDPath decodes a udev ID_PATH (or by-path link name) of a zfcp unit.
// Both the current form ccw-0.0.fc00-fc-0x5005...-lun-0x4010... and the
// older ccw-0.0.fc00-zfcp-0x5005...:0x4010... are accepted. Partition
// suffixes (-part1) are ignored.
func ParseIDPath(id string) (zfcp.Path, bool) {
	rest, ok := strings.CutPrefix(id, "ccw-")
	if !ok {
		return zfcp.Path{}, false
	}
	if i := strings.Index(rest, "-part"); i >= 0 {
		rest = rest[:i]
	}

	if controller, tail, ok := strings.Cut(rest, "-fc-"); ok {
		wwpn, lun, ok := strings.Cut(tail, "-lun-")
		if !ok || !validID(controller, wwpn, lun) {
			return zfcp.Path{}, false
		}
		return zfcp.DiskPath(controller, wwpn, lun), true
	}

	if controller, tail, ok := strings.Cut(rest, "-zfcp-"); ok {
		wwpn, lun, ok := strings.Cut(tail, ":")
		if !ok || !validID(controller, wwpn, lun) {
			return zfcp.Path{}, false
		}
		return zfcp.DiskPath(controller, wwpn, lun), true
	}

	return zfcp.Path{}, false
}

func validID(controller, wwpn, lun string) bool {
	return isBusID(controller) && strings.HasPrefix(wwpn, "0x") && strings.HasPrefix(lun, "0x")
}

// isBusID reports whether s looks like a ccw bus-ID (0.0.fc00).
func isBusID(s string) bool {
	parts := strings.Split(s, ".")
	if len(parts) != 3 || len(parts[2]) != 4 {
		return false
	}
	for _, part := range parts {
		if part == "" {
			return false
		}
		for _, r := range part {
			if !strings.ContainsRune("0123456789abcdefABCDEF", r) {
				return false
			}
		}
	}
	return true
}
