package model

import "time"

// SandboxStatus is the state of a project's preview environment.
type SandboxStatus string

const (
	SandboxAbsent       SandboxStatus = "absent"
	SandboxProvisioning SandboxStatus = "provisioning"
	SandboxActive       SandboxStatus = "active"
	SandboxExpired      SandboxStatus = "expired"
	SandboxRestoring    SandboxStatus = "restoring"
)

// SandboxProfile describes how to install and run a project. It survives
// sandbox restoration so a new session needs no re-detection.
type SandboxProfile struct {
	Framework      string `json:"framework"`
	PackageManager string `json:"package_manager"`
	InstallCommand string `json:"install_command,omitempty"`
	StartCommand   string `json:"start_command"`
	Port           int    `json:"port"`
}

// Known reports whether the profile has been detected at least once.
func (p SandboxProfile) Known() bool { return p.Framework != "" }

// SandboxSession is one ephemeral compute environment running a project's
// live preview.
type SandboxSession struct {
	SandboxID     string        `json:"sandbox_id"`
	ProjectID     string        `json:"project_id"`
	Handle        string        `json:"-"`
	Status        SandboxStatus `json:"status"`
	LastHeartbeat time.Time     `json:"last_heartbeat"`
	CreatedAt     time.Time     `json:"created_at"`
	SandboxProfile
}
