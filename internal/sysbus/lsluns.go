package sysbus

import "strings"

// parseLsluns extracts the LUNs reported for one port from `lsluns -c -p`
// output, in the order lsluns printed them:
//
//	Scanning for LUNs on adapter 0.0.fc00
//		at port 0x500507630300c562:
//			0x4010403300000000
//			0x4010403400000000
func parseLsluns(output, wwpn string) []string {
	luns := []string{}
	inPort := false

	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "at port ") {
			port := strings.TrimSuffix(strings.TrimPrefix(line, "at port "), ":")
			inPort = strings.EqualFold(strings.TrimSpace(port), wwpn)
			continue
		}
		if strings.HasPrefix(line, "Scanning for LUNs") {
			inPort = false
			continue
		}

		if inPort && strings.HasPrefix(line, "0x") {
			// Newer versions append the device type after the LUN.
			lun := strings.Fields(line)[0]
			luns = append(luns, lun)
		}
	}

	return luns
}
