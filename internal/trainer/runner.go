// Package trainer runs the train, infer and eval modes of a fusion model.
package trainer

import (
	"context"
	"log"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"fusion-forge/internal/config"
	"fusion-forge/internal/device"
)

// Modes accepted by Run, in the order they are usually chained.
const (
	ModeTrain = "train"
	ModeInfer = "infer"
	ModeEval  = "eval"
)

// Runner owns one invocation. All modes of a Runner share its run id.
type Runner struct {
	cfg   *config.Config
	info  device.Info
	runID string
}

// New binds cfg to the probed host.
func New(cfg *config.Config, info device.Info) *Runner {
	return &Runner{cfg: cfg, info: info, runID: uuid.NewString()}
}

// RunID identifies this invocation in logs and checkpoints.
func (r *Runner) RunID() string { return r.runID }

// ParseModes splits a comma separated mode list and rejects unknown modes.
func ParseModes(s string) ([]string, error) {
	var modes []string
	for _, m := range strings.Split(s, ",") {
		m = strings.TrimSpace(m)
		if m == "" {
			continue
		}
		switch m {
		case ModeTrain, ModeInfer, ModeEval:
			modes = append(modes, m)
		default:
			return nil, errors.Errorf("unknown mode %q", m)
		}
	}
	if len(modes) == 0 {
		return nil, errors.New("no modes requested")
	}
	return modes, nil
}

// Run executes modes in order and stops at the first failure.
func (r *Runner) Run(ctx context.Context, modes []string) error {
	for _, mode := range modes {
		log.Printf("run_id=%s mode=%s", r.runID, mode)
		var err error
		switch mode {
		case ModeTrain:
			err = r.Train(ctx)
		case ModeInfer:
			err = r.Infer(ctx)
		case ModeEval:
			err = r.Eval()
		default:
			err = errors.Errorf("unknown mode %q", mode)
		}
		if err != nil {
			return errors.Wrap(err, mode)
		}
	}
	return nil
}

func (r *Runner) checkpointPath(name string) string {
	return filepath.Join(r.cfg.Paths.ModelDir, "checkpoint_"+name+".ckpt")
}

// resolveCheckpoint maps "best" and "last" to files in the model dir and
// resolves other relative names against it.
func (r *Runner) resolveCheckpoint(ref string) string {
	switch ref {
	case "best", "last":
		return r.checkpointPath(ref)
	}
	if filepath.IsAbs(ref) {
		return ref
	}
	return filepath.Join(r.cfg.Paths.ModelDir, ref)
}

// flatten lists every shard of sites in sorted order and remembers each
// shard's site.
func flatten(sites map[string][]string) ([]string, map[string]string) {
	var all []string
	siteOf := map[string]string{}
	for site, shards := range sites {
		for _, s := range shards {
			all = append(all, s)
			siteOf[s] = site
		}
	}
	sort.Strings(all)
	return all, siteOf
}
