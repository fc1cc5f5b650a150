package agent

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	"github.com/sjoeboo/relay/internal/format"
)

// ListModels runs "<command> models" and returns the listed identifiers in
// order. Concurrent callers share one invocation. Failures are logged and
// yield nil.
func (e *Executor) ListModels(ctx context.Context) []string {
	v, _, _ := e.models.Do("models", func() (any, error) {
		ctx, cancel := context.WithTimeout(ctx, e.cfg.ListModelsTimeout)
		defer cancel()

		cmd := exec.CommandContext(ctx, e.cfg.Command, "models")
		cmd.Dir = e.cfg.Workdir
		cmd.Env = mergeEnv(os.Environ(), e.cfg.Env)
		cmd.WaitDelay = e.cfg.KillGrace

		out, err := cmd.Output()
		if err != nil {
			e.log.Warn("list_models_failed", slog.String("error", err.Error()))
			return []string(nil), nil
		}
		return parseModels(string(out)), nil
	})
	models, _ := v.([]string)
	return append([]string(nil), models...)
}

// DetectModel returns the first listed model, or "" when none is available.
func (e *Executor) DetectModel(ctx context.Context) string {
	models := e.ListModels(ctx)
	if len(models) == 0 {
		return ""
	}
	e.log.Info("model_detected", slog.String("model", models[0]))
	return models[0]
}

func parseModels(out string) []string {
	var models []string
	seen := make(map[string]bool)
	for _, line := range strings.Split(format.StripANSI(out), "\n") {
		m := strings.TrimSpace(line)
		if m == "" || strings.ContainsAny(m, " \t") || seen[m] {
			continue
		}
		seen[m] = true
		models = append(models, m)
	}
	return models
}
