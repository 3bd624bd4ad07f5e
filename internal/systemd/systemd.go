package systemd

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// Systemd provides the host operations an upgrade needs from the system
// manager
type Systemd interface {
	// Reboot asks the system manager to reboot the machine
	Reboot(ctx context.Context) error
	// IsAvailable checks if systemctl can talk to the system manager
	IsAvailable(ctx context.Context) (bool, error)
}

// Client implements Systemd by shelling out to systemctl
type Client struct {
	systemctl string
}

// NewClient creates a new systemd client
func NewClient() *Client {
	return &Client{systemctl: "systemctl"}
}

// Reboot runs "systemctl reboot"
func (c *Client) Reboot(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, c.systemctl, "reboot")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("systemctl reboot failed: %w: %s", err, strings.TrimSpace(string(output)))
	}
	return nil
}

// IsAvailable checks if systemctl is accessible
func (c *Client) IsAvailable(ctx context.Context) (bool, error) {
	cmd := exec.CommandContext(ctx, c.systemctl, "is-system-running")
	err := cmd.Run()

	// is-system-running exits non-zero for degraded or starting systems, but
	// systemd is still there to talk to
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return true, nil
		}
		return false, fmt.Errorf("systemctl not available: %w", err)
	}

	return true, nil
}
