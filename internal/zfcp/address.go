package zfcp

import "strings"

// Level reports how deep a Path reaches into the controller/WWPN/LUN hierarchy.
type Level int

const (
	LevelNone Level = iota
	LevelController
	LevelWWPN
	LevelLUN
)

func (l Level) String() string {
	switch l {
	case LevelController:
		return "controller"
	case LevelWWPN:
		return "wwpn"
	case LevelLUN:
		return "lun"
	default:
		return "none"
	}
}

// Path addresses a node of the zFCP hierarchy. Components are kept exactly
// as supplied by the caller; they are compared as case-sensitive strings.
type Path struct {
	Controller string `json:"controller"`
	WWPN       string `json:"wwpn,omitempty"`
	LUN        string `json:"lun,omitempty"`
}

// ControllerPath addresses a controller.
func ControllerPath(id string) Path {
	return Path{Controller: id}
}

// WWPNPath addresses a port behind a controller.
func WWPNPath(controllerID, wwpn string) Path {
	return Path{Controller: controllerID, WWPN: wwpn}
}

// DiskPath addresses the unit at a controller/WWPN/LUN triple.
func DiskPath(controllerID, wwpn, lun string) Path {
	return Path{Controller: controllerID, WWPN: wwpn, LUN: lun}
}

// Level returns the depth of the contiguous prefix that is set.
// A LUN without a WWPN does not count.
func (p Path) Level() Level {
	switch {
	case p.Controller == "":
		return LevelNone
	case p.WWPN == "":
		return LevelController
	case p.LUN == "":
		return LevelWWPN
	default:
		return LevelLUN
	}
}

// Parent returns the path one level up.
func (p Path) Parent() Path {
	switch p.Level() {
	case LevelLUN:
		return WWPNPath(p.Controller, p.WWPN)
	case LevelWWPN:
		return ControllerPath(p.Controller)
	default:
		return Path{}
	}
}

// String joins the set components with ':' which is also the device id
// format chzdev expects for zfcp-lun devices (0.0.fc00:0x5005...:0x4010...).
func (p Path) String() string {
	parts := make([]string, 0, 3)
	switch p.Level() {
	case LevelLUN:
		parts = append(parts, p.Controller, p.WWPN, p.LUN)
	case LevelWWPN:
		parts = append(parts, p.Controller, p.WWPN)
	case LevelController:
		parts = append(parts, p.Controller)
	}
	return strings.Join(parts, ":")
}
