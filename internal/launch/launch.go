package launch

import (
	"context"
	"fmt"
	"os/exec"

	appLog "meetopen/internal/log"
	"meetopen/internal/model"
)

// Launcher hands a join URL to the client for its service. Launching is
// fire-and-forget: a nil error only means the process was started.
type Launcher interface {
	Launch(ctx context.Context, url string, service model.Service) error
}

// LaunchError reports that the external client could not be started.
type LaunchError struct {
	Service model.Service
	Bin     string
	Err     error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch %s via %q: %v", e.Service.DisplayName(), e.Bin, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// ExecLauncher starts the Zoom client or a browser as a detached child process.
type ExecLauncher struct {
	ZoomBin    string
	BrowserBin string
}

// NewExecLauncher builds a launcher for the given binaries.
func NewExecLauncher(zoomBin, browserBin string) *ExecLauncher {
	return &ExecLauncher{ZoomBin: zoomBin, BrowserBin: browserBin}
}

// Command returns the program and arguments used for a service:
//
//	zoom: <zoom_bin> --url=<url>
//	meet: <browser_bin> <url>
func (l *ExecLauncher) Command(url string, service model.Service) (string, []string, error) {
	switch service {
	case model.ServiceZoom:
		return l.ZoomBin, []string{"--url=" + url}, nil
	case model.ServiceMeet:
		return l.BrowserBin, []string{url}, nil
	default:
		return "", nil, fmt.Errorf("unsupported service %q", service)
	}
}

// Launch starts the client and returns without waiting for it. The child
// is not bound to ctx: the meeting must outlive this cycle.
func (l *ExecLauncher) Launch(_ context.Context, url string, service model.Service) error {
	bin, args, err := l.Command(url, service)
	if err != nil {
		return &LaunchError{Service: service, Bin: bin, Err: err}
	}
	if bin == "" {
		return &LaunchError{Service: service, Bin: bin, Err: fmt.Errorf("no binary configured")}
	}

	cmd := exec.Command(bin, args...)
	if err := cmd.Start(); err != nil {
		return &LaunchError{Service: service, Bin: bin, Err: err}
	}

	pid := cmd.Process.Pid
	// Reap the child so it does not linger as a zombie.
	go func() {
		if err := cmd.Wait(); err != nil {
			appLog.Debug("launched client exited with error", "bin", bin, "pid", pid, "err", err.Error())
		}
	}()

	appLog.Debug("launched client", "service", string(service), "bin", bin, "pid", pid)
	return nil
}
