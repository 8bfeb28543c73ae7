package audio

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// PipeWire manages PipeWire/JACK port operations through pw-link
type PipeWire struct {
	// run executes pw-link with args and returns its combined output
	run func(ctx context.Context, args ...string) ([]byte, error)
}

// NewPipeWire creates a new PipeWire instance
func NewPipeWire() *PipeWire {
	return &PipeWire{run: runPwLink}
}

func runPwLink(ctx context.Context, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, "pw-link", args...).CombinedOutput()
}

// ListPorts returns all available JACK ports via PipeWire
func (pw *PipeWire) ListPorts() ([]string, error) {
	output, err := pw.run(context.Background(), "-io")
	if err != nil {
		return nil, fmt.Errorf("failed to list PipeWire ports: %w", err)
	}
	return parsePortList(string(output)), nil
}

func parsePortList(output string) []string {
	var ports []string
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "Input ports:") && !strings.HasPrefix(line, "Output ports:") {
			ports = append(ports, line)
		}
	}
	return ports
}

// ValidatePort checks that a port exists exactly once in the graph
func (pw *PipeWire) ValidatePort(portName string) error {
	if portName == "" || portName == "disabled" {
		return nil
	}

	ports, err := pw.ListPorts()
	if err != nil {
		return err
	}
	return validatePortInList(portName, ports)
}

func validatePortInList(portName string, allPorts []string) error {
	if portName == "" || portName == "disabled" {
		return nil
	}

	duplicates := findPortDuplicatesInList(portName, allPorts)
	if len(duplicates) == 0 {
		return fmt.Errorf("port not found: %s", portName)
	}
	if len(duplicates) > 1 {
		return fmt.Errorf("duplicate sources detected for '%s': %v. Please close conflicting applications", portName, duplicates)
	}
	return nil
}

// findPortDuplicatesInList finds all ports with exactly the same name
func findPortDuplicatesInList(portName string, allPorts []string) []string {
	var duplicates []string
	for _, port := range allPorts {
		if port == portName {
			duplicates = append(duplicates, port)
		}
	}
	return duplicates
}

// portExists checks if a port exists in the current JACK graph
func (pw *PipeWire) portExists(portName string) bool {
	ports, err := pw.ListPorts()
	if err != nil {
		slog.Debug("Failed to check port existence", "port", portName, "error", err)
		return false
	}
	return len(findPortDuplicatesInList(portName, ports)) > 0
}

// WaitForPort polls until portName appears or ctx is done
func (pw *PipeWire) WaitForPort(ctx context.Context, portName string, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if pw.portExists(portName) {
			slog.Debug("JACK port found", "port", portName)
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for JACK port %s: %w", portName, ctx.Err())
		case <-ticker.C:
		}
	}
}

// retryPolicy returns how long to keep trying to connect sourcePort
func retryPolicy(sourcePort string) (int, time.Duration) {
	if isEphemeralPort(sourcePort) {
		// Browsers and streaming apps may take longer to appear
		return 15, time.Second
	}
	return 5, 500 * time.Millisecond
}

// ConnectPortsWithRetry connects two JACK ports, retrying while the source appears
func (pw *PipeWire) ConnectPortsWithRetry(ctx context.Context, sourcePort, destPort string) error {
	maxRetries, retryDelay := retryPolicy(sourcePort)
	slog.Debug("Connecting capture source", "source", sourcePort, "dest", destPort, "retries", maxRetries)

	for attempt := 1; attempt <= maxRetries; attempt++ {
		if pw.portExists(sourcePort) {
			err := pw.connectPorts(ctx, sourcePort, destPort)
			if err == nil {
				slog.Debug("Successfully connected ports", "source", sourcePort, "dest", destPort, "attempt", attempt)
				return nil
			}
			slog.Debug("Connection attempt failed", "source", sourcePort, "dest", destPort, "attempt", attempt, "error", err)
		} else {
			slog.Debug("Source port not yet available", "source", sourcePort, "attempt", attempt)
		}

		if attempt < maxRetries {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retryDelay):
			}
		}
	}

	return fmt.Errorf("failed to connect %s to %s after %d attempts", sourcePort, destPort, maxRetries)
}

func (pw *PipeWire) connectPorts(ctx context.Context, sourcePort, destPort string) error {
	output, err := pw.run(ctx, sourcePort, destPort)
	if err != nil {
		return fmt.Errorf("failed to connect ports: %w (output: %s)", err, strings.TrimSpace(string(output)))
	}
	return nil
}

// DisconnectPorts disconnects two JACK ports
func (pw *PipeWire) DisconnectPorts(sourcePort, destPort string) error {
	output, err := pw.run(context.Background(), "-d", sourcePort, destPort)
	if err != nil {
		return fmt.Errorf("failed to disconnect ports: %w (output: %s)", err, strings.TrimSpace(string(output)))
	}
	slog.Debug("Disconnected ports successfully", "source", sourcePort, "dest", destPort)
	return nil
}

// isEphemeralPort determines if a port belongs to an application that may
// appear late (browser, streaming app) rather than hardware
func isEphemeralPort(portName string) bool {
	lowerPort := strings.ToLower(portName)

	ephemeralApps := []string{
		"chrome", "firefox", "spotify", "discord", "steam",
		"vlc", "mpv", "zoom", "teams", "slack", "wire",
	}

	for _, app := range ephemeralApps {
		if strings.Contains(lowerPort, app) {
			return true
		}
	}
	return false
}
