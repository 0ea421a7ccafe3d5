package main

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sigreer/zfcpgod/internal/zfcp"
)

func TestPrintControllers(t *testing.T) {
	var buf bytes.Buffer
	printControllers(&buf, []zfcp.Controller{
		{ID: "0.0.fc00", State: zfcp.StateActive, LUNScan: true, WWPNs: []string{"0x1", "0x2"}},
		{ID: "0.0.fd00", State: zfcp.StateInactive},
	})

	out := buf.String()
	assert.Contains(t, out, "CONTROLLER")
	assert.Regexp(t, `0\.0\.fc00\s+active\s+yes\s+0x1,0x2`, out)
	assert.Regexp(t, `0\.0\.fd00\s+inactive\s+no\s+-`, out)
}

func TestPrintDisks(t *testing.T) {
	var buf bytes.Buffer
	printDisks(&buf, []zfcp.Disk{
		{Controller: "0.0.fc00", WWPN: "0x1", LUN: "0x2", State: zfcp.StateActive, Name: "/dev/sda"},
		{Controller: "0.0.fc00", WWPN: "0x1", LUN: "0x3", State: zfcp.StateActivationFailed, Reason: "No such device"},
	}, time.Now().Add(-time.Minute))

	out := buf.String()
	assert.Contains(t, out, "/dev/sda")
	assert.Contains(t, out, "No such device")
	assert.Contains(t, out, "Probed 1 minute ago")
}

func TestPrintEmpty(t *testing.T) {
	var buf bytes.Buffer
	printControllers(&buf, nil)
	printDisks(&buf, nil, time.Time{})
	assert.Equal(t, "No zFCP controllers found\nNo zFCP disks found\n", buf.String())
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("broken pipe") }

func TestPrintJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printJSON(&buf, []string{"0x1"}))
	assert.Equal(t, "[\n  \"0x1\"\n]\n", buf.String())

	err := printJSON(failingWriter{}, []string{"0x1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken pipe")
}

func TestDisksFlags(t *testing.T) {
	assert.NotNil(t, disksCmd.Flags().Lookup("json"))
	assert.Nil(t, disksCmd.Flags().Lookup("all"), "the probe already enumerates every port")
}
