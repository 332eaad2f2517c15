// Package process runs and supervises external worker binaries.
//
// Each process is started in its own process group so that Stop reaches
// every child it forks. A Process exposes a Done channel closed when the
// child exits, which lets a single owning goroutine select on exit alongside
// other events.
//
// Features:
//   - Graceful stop: SIGTERM to the group, SIGKILL after GracefulTimeout
//   - stdout/stderr captured line by line into the structured log
//   - Exponential restart backoff (Backoff) and recoverable-error detection
//   - Resource stats (RSS, CPU, threads, TCP connections) via gopsutil
//
// Example usage:
//
//	p, err := process.Start(process.Spec{
//	    Name:            "worker-abc",
//	    Binary:          "/usr/local/bin/whatsapp",
//	    Args:            []string{"rest", "--port=8001"},
//	    WorkDir:         "/var/lib/devgate/sessions/abc",
//	    GracefulTimeout: 10 * time.Second,
//	}, logger)
//	if err != nil {
//	    return err
//	}
//	<-p.Done()
package process
