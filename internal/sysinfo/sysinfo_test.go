// ABOUTME: Tests for telemetry collection and validation
// ABOUTME: Collect must always produce a report that validates

package sysinfo

import (
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollect(t *testing.T) {
	info, err := Collect("agentA")
	require.NoError(t, err)

	assert.Equal(t, "agentA", info.ClientID)
	assert.Equal(t, runtime.GOOS, info.OSType)
	assert.Equal(t, runtime.GOARCH, info.OSArch)
	assert.NotEmpty(t, info.Hostname)
	assert.NotEmpty(t, info.OSVersion)
	assert.NotEmpty(t, info.TimeZone)
	assert.WithinDuration(t, time.Now(), info.Time(), 5*time.Second)
	require.NoError(t, info.Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		info    *SystemInfo
		wantErr bool
	}{
		{name: "valid", info: &SystemInfo{Hostname: "h1", CurrentTime: 1000}},
		{name: "nil", info: nil, wantErr: true},
		{name: "missing hostname", info: &SystemInfo{CurrentTime: 1000}, wantErr: true},
		{name: "zero time", info: &SystemInfo{Hostname: "h1"}, wantErr: true},
		{name: "negative time", info: &SystemInfo{Hostname: "h1", CurrentTime: -5}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.info.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalid)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestZoneFromPath(t *testing.T) {
	assert.Equal(t, "Europe/Berlin", zoneFromPath("/usr/share/zoneinfo/Europe/Berlin"))
	assert.Equal(t, "UTC", zoneFromPath("../usr/share/zoneinfo/UTC"))
	assert.Equal(t, "", zoneFromPath("/etc/localtime"))
}
