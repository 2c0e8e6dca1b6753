// ABOUTME: Host telemetry payload pushed by agents and pulled by the gateway
// ABOUTME: Collect gathers it locally; Validate rejects malformed reports

package sysinfo

import (
	"errors"
	"fmt"
	"os"
	"os/user"
	"runtime"
	"time"
)

// SystemInfo is one host status report.
type SystemInfo struct {
	ClientID    string `json:"client_id"`
	Hostname    string `json:"hostname"`
	OSType      string `json:"os_type"`
	OSVersion   string `json:"os_version"`
	OSArch      string `json:"os_arch"`
	CurrentTime int64  `json:"current_time"` // unix seconds on the agent
	TimeZone    string `json:"time_zone"`
	UserName    string `json:"user_name"`
}

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid system info")

const unknown = "unknown"

// Validate checks the fields the gateway relies on.
func (s *SystemInfo) Validate() error {
	if s == nil {
		return fmt.Errorf("%w: empty report", ErrInvalid)
	}
	if s.Hostname == "" {
		return fmt.Errorf("%w: hostname is required", ErrInvalid)
	}
	if s.CurrentTime <= 0 {
		return fmt.Errorf("%w: current_time must be positive, got %d", ErrInvalid, s.CurrentTime)
	}
	return nil
}

// Time returns the agent's reported clock as a time.Time.
func (s *SystemInfo) Time() time.Time {
	return time.Unix(s.CurrentTime, 0)
}

// Collect gathers a report for this host. Fields that cannot be read are
// set to "unknown" rather than failing the whole report.
func Collect(clientID string) (*SystemInfo, error) {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = unknown
	}

	userName := unknown
	if u, err := user.Current(); err == nil && u.Username != "" {
		userName = u.Username
	}

	now := time.Now()
	return &SystemInfo{
		ClientID:    clientID,
		Hostname:    hostname,
		OSType:      runtime.GOOS,
		OSVersion:   osVersion(),
		OSArch:      runtime.GOARCH,
		CurrentTime: now.Unix(),
		TimeZone:    timeZone(now),
		UserName:    userName,
	}, nil
}

// timeZone prefers an IANA name from $TZ or the local zone, falling back
// to the abbreviation time reports for the current offset.
func timeZone(now time.Time) string {
	if tz := os.Getenv("TZ"); tz != "" {
		return tz
	}
	if name := now.Location().String(); name != "" && name != "Local" {
		return name
	}
	if target, err := os.Readlink("/etc/localtime"); err == nil {
		if name := zoneFromPath(target); name != "" {
			return name
		}
	}
	abbrev, _ := now.Zone()
	if abbrev == "" {
		return unknown
	}
	return abbrev
}

// zoneFromPath extracts "Europe/Berlin" from ".../zoneinfo/Europe/Berlin".
func zoneFromPath(p string) string {
	const marker = "zoneinfo/"
	for i := 0; i+len(marker) <= len(p); i++ {
		if p[i:i+len(marker)] == marker {
			return p[i+len(marker):]
		}
	}
	return ""
}
