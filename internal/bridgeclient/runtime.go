package bridgeclient

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	goruntime "runtime"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"agentbridge-backend/internal/models"
)

const (
	versionTimeout = 10 * time.Second
	actionTimeout  = 2 * time.Minute
	installTimeout = 10 * time.Minute
	maxOutput      = 8 * 1024
)

// Runner executes a program and returns its combined output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.String(), err
}

// ExecRunner runs programs with os/exec.
func ExecRunner() Runner { return execRunner{} }

type GatewayProbe interface {
	Healthy(ctx context.Context) bool
}

// LocalRuntime inspects and controls the agent runtime installed on this
// machine through its CLI.
type LocalRuntime struct {
	cli     string
	runner  Runner
	gateway GatewayProbe
	clock   clockwork.Clock
	logger  *slog.Logger
}

func NewLocalRuntime(cli string, runner Runner, gateway GatewayProbe, clock clockwork.Clock, logger *slog.Logger) *LocalRuntime {
	return &LocalRuntime{
		cli:     cli,
		runner:  runner,
		gateway: gateway,
		clock:   clock,
		logger:  logger.With("component", "local-runtime"),
	}
}

// Detect reports whether the CLI is installed, its version and whether the
// gateway answers.
func (l *LocalRuntime) Detect(ctx context.Context) models.BridgeClientHealth {
	health := models.BridgeClientHealth{
		Platform:  goruntime.GOOS + "/" + goruntime.GOARCH,
		UpdatedAt: l.clock.Now().UTC(),
	}

	vctx, cancel := context.WithTimeout(ctx, versionTimeout)
	out, err := l.runner.Run(vctx, l.cli, "--version")
	cancel()
	if err == nil {
		health.Installed = true
		health.Version = parseVersion(out)
	}

	health.GatewayRunning = l.gateway.Healthy(ctx)
	return health
}

// Execute runs one administrative command. It blocks for as long as the CLI
// does; callers run it on its own goroutine.
func (l *LocalRuntime) Execute(ctx context.Context, command string) models.CommandResult {
	switch command {
	case models.CommandHealth:
		h := l.Detect(ctx)
		return models.CommandResult{Success: true, Message: "health collected", Health: &h}

	case models.CommandStatus:
		h := l.Detect(ctx)
		res := models.CommandResult{Success: true, Health: &h}
		if !h.Installed {
			res.Message = l.cli + " is not installed"
			return res
		}
		sctx, cancel := context.WithTimeout(ctx, versionTimeout)
		defer cancel()
		out, err := l.runner.Run(sctx, l.cli, "gateway", "status")
		res.Output = truncate(out)
		if err != nil {
			res.Message = "status unavailable: " + err.Error()
		} else {
			res.Message = "gateway running: " + fmt.Sprint(h.GatewayRunning)
		}
		return res

	case models.CommandStart, models.CommandStop, models.CommandRestart:
		return l.action(ctx, actionTimeout, command, l.cli, "gateway", command)

	case models.CommandInstall:
		return l.action(ctx, installTimeout, command, "npm", "install", "-g", l.cli+"@latest")

	default:
		return models.CommandResult{Success: false, Message: "unknown command: " + command}
	}
}

func (l *LocalRuntime) action(ctx context.Context, timeout time.Duration, command, name string, args ...string) models.CommandResult {
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	l.logger.Info("running command", "command", command, "program", name, "args", args)
	out, err := l.runner.Run(actx, name, args...)
	h := l.Detect(ctx)
	res := models.CommandResult{Output: truncate(out), Health: &h}
	if err != nil {
		l.logger.Warn("command failed", "command", command, "error", err)
		res.Message = fmt.Sprintf("%s failed: %v", command, err)
		return res
	}
	res.Success = true
	res.Message = command + " completed"
	return res
}

func parseVersion(out string) string {
	line := strings.TrimSpace(strings.SplitN(strings.TrimSpace(out), "\n", 2)[0])
	if fields := strings.Fields(line); len(fields) > 0 {
		return strings.TrimPrefix(fields[len(fields)-1], "v")
	}
	return ""
}

func truncate(s string) string {
	if len(s) <= maxOutput {
		return s
	}
	return s[len(s)-maxOutput:]
}
