// Package config loads guardrail definitions from a YAML file and republishes
// them as immutable versioned snapshots when the file changes on disk.
package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/beaconhq/beacon/internal/clock"
	guardraildomain "github.com/beaconhq/beacon/internal/guardrail/domain"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

type yamlGuardrail struct {
	Name   string  `yaml:"name"`
	KPI    string  `yaml:"kpi"`
	Op     string  `yaml:"op"`
	Limit  float64 `yaml:"limit"`
	Action string  `yaml:"action"`
	Window string  `yaml:"window"`
}

func parseGuardrails(raw []byte) ([]guardraildomain.Guardrail, error) {
	var doc struct {
		Guardrails []yamlGuardrail `yaml:"guardrails"`
	}
	if len(raw) > 0 {
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("parse guardrails: %w", err)
		}
	}

	seen := make(map[string]struct{}, len(doc.Guardrails))
	out := make([]guardraildomain.Guardrail, 0, len(doc.Guardrails))
	for _, g := range doc.Guardrails {
		name := strings.TrimSpace(g.Name)
		if name == "" {
			return nil, fmt.Errorf("parse guardrails: guardrail with empty name")
		}
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("parse guardrails: duplicate guardrail %q", name)
		}
		seen[name] = struct{}{}

		if g.KPI == "" {
			return nil, fmt.Errorf("parse guardrails: guardrail %q: kpi is required", name)
		}
		op := guardraildomain.Op(g.Op)
		if _, err := op.Compare(0, 0); err != nil {
			return nil, fmt.Errorf("parse guardrails: guardrail %q: %w", name, err)
		}
		action := guardraildomain.Action(g.Action)
		switch action {
		case "":
			action = guardraildomain.ActionBlock
		case guardraildomain.ActionBlock, guardraildomain.ActionRollback:
		default:
			return nil, fmt.Errorf("parse guardrails: guardrail %q: %w: %q",
				name, guardraildomain.ErrUnknownAction, g.Action)
		}

		window := 24 * time.Hour
		if g.Window != "" {
			parsed, err := time.ParseDuration(g.Window)
			if err != nil {
				return nil, fmt.Errorf("parse guardrails: guardrail %q: window: %w", name, err)
			}
			window = parsed
		}

		out = append(out, guardraildomain.Guardrail{
			Name:   name,
			KPI:    g.KPI,
			Op:     op,
			Limit:  g.Limit,
			Action: action,
			Window: window,
		})
	}
	return out, nil
}

// Provider holds the current guardrail snapshot. Reload swaps in a new
// snapshot atomically; readers always see a complete version.
type Provider struct {
	mu      sync.RWMutex
	current *guardraildomain.Snapshot

	path  string
	clock clock.Clock
	log   *zap.Logger
}

func NewProvider(path string, clk clock.Clock, log *zap.Logger) (*Provider, error) {
	p := &Provider{
		path:  path,
		clock: clk,
		log:   log.Named("guardrail.config"),
	}
	if err := p.Reload(); err != nil {
		return nil, err
	}
	return p, nil
}

// Snapshot returns the current guardrail set. Never nil.
func (p *Provider) Snapshot() *guardraildomain.Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current
}

// Reload reads the file and publishes a new snapshot. A missing file yields
// an empty set; a malformed file keeps the previous snapshot live.
func (p *Provider) Reload() error {
	var guardrails []guardraildomain.Guardrail
	raw, err := os.ReadFile(p.path)
	switch {
	case err == nil:
		guardrails, err = parseGuardrails(raw)
		if err != nil {
			return err
		}
	case os.IsNotExist(err) || p.path == "":
		p.log.Warn("no guardrail file, evaluator reports OK", zap.String("path", p.path))
	default:
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	version := int64(1)
	if p.current != nil {
		version = p.current.Version + 1
	}
	p.current = &guardraildomain.Snapshot{
		Version:   version,
		LoadedAt:  p.clock.Now().UTC(),
		Guardrail: guardrails,
	}
	p.log.Info("guardrail snapshot loaded",
		zap.Int64("version", version),
		zap.Int("guardrails", len(guardrails)),
	)
	return nil
}

// Watch reloads the snapshot when the file changes, until ctx is cancelled.
// Watching the directory rather than the file survives editors and config
// managers that replace the file by rename.
func (p *Provider) Watch(ctx context.Context) error {
	if p.path == "" {
		<-ctx.Done()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(p.path)); err != nil {
		return err
	}

	target := filepath.Clean(p.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := p.Reload(); err != nil {
				p.log.Error("guardrail reload failed, keeping previous snapshot", zap.Error(err))
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			p.log.Warn("guardrail watcher error", zap.Error(err))
		}
	}
}
