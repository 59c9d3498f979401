package bridge

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
)

// Runner executes one debug-bridge CLI command against the server on the
// given control port and returns its stdout.
type Runner interface {
	Run(ctx context.Context, serverPort int, args ...string) ([]byte, error)
}

type execRunner struct {
	binary  string
	timeout time.Duration
}

func newExecRunner(binary string, timeout time.Duration) *execRunner {
	return &execRunner{binary: binary, timeout: timeout}
}

func (r *execRunner) Run(ctx context.Context, serverPort int, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	full := append([]string{"-P", strconv.Itoa(serverPort)}, args...)
	cmd := exec.CommandContext(ctx, r.binary, full...)
	cmd.Env = append(os.Environ(), "ANDROID_ADB_SERVER_PORT="+strconv.Itoa(serverPort))

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	log.Debug().Str("binary", r.binary).Strs("args", full).Msg("running bridge command")
	out, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("bridge command %v timed out after %s", args, r.timeout)
		}
		return nil, fmt.Errorf("bridge command %v failed: %v: %s", args, err, stderr.String())
	}
	return out, nil
}
