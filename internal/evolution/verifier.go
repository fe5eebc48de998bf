package evolution

import (
	"context"
	"os/exec"
	"strings"
	"time"

	"botflow/internal/logging"
)

// Verifier checks the repository after a change set has been committed.
// passed=false with err=nil is a clean verdict; err is reserved for the
// verifier itself being unrunnable.
type Verifier interface {
	Verify(ctx context.Context) (passed bool, report string, err error)
}

// CommandVerifier runs an external command (typically the test suite) in
// the managed repository and treats a zero exit as a pass.
type CommandVerifier struct {
	dir     string
	command []string
	timeout time.Duration
	logger  logging.Logger
}

// NewCommandVerifier builds a verifier for command run in dir.
func NewCommandVerifier(dir string, command []string, timeout time.Duration, logger logging.Logger) *CommandVerifier {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &CommandVerifier{
		dir:     dir,
		command: command,
		timeout: timeout,
		logger:  logging.OrNop(logger),
	}
}

func (v *CommandVerifier) Verify(ctx context.Context) (bool, string, error) {
	if len(v.command) == 0 {
		return true, "no verify command configured", nil
	}
	if _, err := exec.LookPath(v.command[0]); err != nil {
		return false, "", err
	}

	runCtx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	v.logger.Info("verifying with: %s", strings.Join(v.command, " "))

	cmd := exec.CommandContext(runCtx, v.command[0], v.command[1:]...)
	cmd.Dir = v.dir
	output, err := cmd.CombinedOutput()
	report := strings.TrimSpace(string(output))

	if ctxErr := ctx.Err(); ctxErr != nil {
		// The caller's context expired, not the verifier's own budget.
		return false, "verification aborted: " + ctxErr.Error(), nil
	}
	if runCtx.Err() == context.DeadlineExceeded {
		return false, "verification timed out after " + v.timeout.String(), nil
	}
	if err != nil {
		if report == "" {
			report = err.Error()
		}
		return false, report, nil
	}
	return true, report, nil
}

// StaticVerifier always returns a fixed verdict. Useful when verification
// is delegated elsewhere or intentionally disabled.
type StaticVerifier struct {
	Passed bool
	Text   string
}

func (v StaticVerifier) Verify(context.Context) (bool, string, error) {
	return v.Passed, v.Text, nil
}
