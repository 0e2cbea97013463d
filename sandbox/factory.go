package sandbox

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/isdmx/shellbox/config"
)

// NewGateway creates the runtime gateway selected by sandbox.backend
func NewGateway(logger *zap.Logger, cfg *config.Config) (Gateway, error) {
	sc := cfg.Sandbox

	switch sc.Backend {
	case "docker":
		gateway, err := NewDockerGateway(logger, sc.DockerHost, sc.Shell)
		if err != nil {
			return nil, err
		}
		return gateway, nil
	case "cli":
		return NewCLIGateway(logger, sc.CLIBinary, sc.Shell), nil
	case "podman":
		return NewCLIGateway(logger, "podman", sc.Shell), nil
	case "local":
		if !sc.EnableLocalBackend {
			return nil, fmt.Errorf("local backend is disabled, set sandbox.enable_local_backend")
		}
		logger.Warn("using local backend: commands run on the host without isolation")
		return NewLocalGateway(logger, sc.LocalRoot, sc.Shell), nil
	default:
		return nil, fmt.Errorf("unsupported backend: %s", sc.Backend)
	}
}

// LimitsFromConfig builds the fixed resource policy from configuration
func LimitsFromConfig(cfg *config.Config) (Limits, error) {
	return ParseLimits(cfg.Sandbox.Memory, cfg.Sandbox.CPUPeriod, cfg.Sandbox.CPUQuota)
}
