package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"pixeldrift/internal/advise"
	"pixeldrift/internal/capture"
	"pixeldrift/internal/compare"
	"pixeldrift/internal/config"
	"pixeldrift/internal/convergence"
	"pixeldrift/internal/correct"
	"pixeldrift/internal/history"
	"pixeldrift/internal/policy"
	"pixeldrift/internal/reference"
)

// resolvePath makes a config-relative path absolute against the workspace.
// URLs pass through untouched.
func resolvePath(path string) string {
	if path == "" || filepath.IsAbs(path) || !reference.IsLocal(path) {
		return path
	}
	return filepath.Join(wsRoot, path)
}

// openHistory opens the session store, or returns nil when persistence is
// disabled.
func openHistory() (*history.Store, error) {
	if !cfg.HistoryEnabled() {
		return nil, nil
	}
	store, err := history.New(cfg.HistoryDir(wsRoot))
	if err != nil {
		return nil, fmt.Errorf("failed to open session store: %w", err)
	}
	return store, nil
}

// buildTarget constructs a render target for the given destination. URLs get
// the Chromium target; directories get frame replay; a local HTML file is
// served to the browser over file://.
func buildTarget(target string) (convergence.RenderTarget, error) {
	if target == "" {
		return nil, &convergence.ConfigurationError{Field: "target", Reason: "is required (flag --target or drift.yaml)"}
	}

	if strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") {
		return capture.NewBrowserTarget(cfg.GetBrowser(), target), nil
	}

	path := resolvePath(target)
	info, err := os.Stat(path)
	if err != nil {
		return nil, &convergence.ConfigurationError{Field: "target", Reason: fmt.Sprintf("%q is neither a URL nor an existing path", target)}
	}
	if info.IsDir() {
		return capture.NewDirectoryTarget(path)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	return capture.NewBrowserTarget(cfg.GetBrowser(), "file://"+abs), nil
}

// buildCorrector assembles the correction chain from drift.yaml: stylesheet
// patches, then the interpreter script, then the exec hook, with the LLM
// advisor as last resort. The returned cleanup closes the advisor client.
func buildCorrector(ctx context.Context) (convergence.Corrector, func(), error) {
	cleanup := func() {}

	var sources []convergence.Corrector
	cc := cfg.GetCorrect()

	if cc.PatchesDir != "" {
		sources = append(sources, correct.NewStylesheetCorrector(resolvePath(cc.PatchesDir)))
	}
	if cc.Script != "" {
		sc, err := correct.NewScriptCorrector(resolvePath(cc.Script))
		if err != nil {
			return nil, cleanup, err
		}
		sources = append(sources, sc)
	}
	if cc.Exec != "" {
		workdir := resolvePath(cc.ExecWorkdir)
		if workdir == "" {
			workdir = wsRoot
		}
		ec, err := correct.NewExecCorrector(cc.Exec, workdir)
		if err != nil {
			return nil, cleanup, err
		}
		sources = append(sources, ec)
	}
	if cfg.AdvisorEnabled() {
		ac := cfg.GetAdvisor()
		ac.UsagePath = filepath.Join(config.WorkspaceDir(wsRoot), "usage.json")
		client, err := advise.New(ctx, ac)
		if err != nil {
			return nil, cleanup, err
		}
		cleanup = func() { _ = client.Close() }
		sources = append(sources, correct.NewAdvisedCorrector(client, nil, cfg.AdvisorMinConfidence()))
	}

	if len(sources) == 0 {
		return nil, cleanup, &convergence.ConfigurationError{
			Field:  "correct",
			Reason: "no correction source configured (patches_dir, script, exec, or advisor)",
		}
	}
	return correct.NewChain(sources...), cleanup, nil
}

// sessionParts bundles one wired session with the collaborators the CLI
// still needs after construction (battery score checks reuse the target and
// comparator). close releases everything in reverse order.
type sessionParts struct {
	drv     *convergence.Driver
	ref     *convergence.ReferenceArtifact
	target  convergence.RenderTarget
	cmp     convergence.Comparator
	closers []func()
}

func (p *sessionParts) close() {
	for i := len(p.closers) - 1; i >= 0; i-- {
		p.closers[i]()
	}
}

// scoreFunc re-measures the live artifact. Used by battery score checks.
func (p *sessionParts) scoreFunc() func(ctx context.Context) (float64, error) {
	return func(ctx context.Context) (float64, error) {
		snap, err := p.target.Capture(ctx)
		if err != nil {
			return 0, err
		}
		return p.cmp.Score(ctx, p.ref, snap)
	}
}

// buildSession wires one full session: reference, guard, target, comparator,
// correctors, category policy, and history. The returned parts are non-nil
// even on error so the caller can always defer close.
func buildSession(ctx context.Context, refSource, target string, store *history.Store) (*sessionParts, error) {
	parts := &sessionParts{}

	driverCfg, err := cfg.GetDriver()
	if err != nil {
		return parts, err
	}

	if refSource == "" {
		return parts, &convergence.ConfigurationError{Field: "reference", Reason: "is required (flag --ref or drift.yaml)"}
	}
	ref, err := reference.Load(ctx, resolvePath(refSource))
	if err != nil {
		return parts, err
	}
	parts.ref = ref

	rt, err := buildTarget(target)
	if err != nil {
		return parts, err
	}
	parts.target = rt
	parts.closers = append(parts.closers, func() { _ = rt.Close() })

	corr, correctorCleanup, err := buildCorrector(ctx)
	parts.closers = append(parts.closers, correctorCleanup)
	if err != nil {
		return parts, err
	}

	opts := []convergence.Option{}
	if store != nil {
		opts = append(opts, convergence.WithRecorder(store))
	}
	if cfg.PolicyEnabled() {
		eng, err := policy.New(cfg.GetPolicy())
		if err != nil {
			return parts, err
		}
		opts = append(opts, convergence.WithPicker(eng))
	}
	if reference.IsLocal(resolvePath(refSource)) {
		guard, err := reference.NewGuard(ref)
		if err != nil {
			return parts, err
		}
		if err := guard.Start(ctx); err != nil {
			return parts, err
		}
		parts.closers = append(parts.closers, guard.Stop)
		opts = append(opts, convergence.WithGuard(guard))
	}

	parts.cmp = compare.New(cfg.GetCompare())
	parts.drv, err = convergence.New(driverCfg, ref, rt, parts.cmp, corr, opts...)
	if err != nil {
		return parts, err
	}
	return parts, nil
}
