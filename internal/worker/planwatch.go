package worker

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// planSchema validates restore plan definition files: a name, an ordered
// list of steps each with a kind and optional args, and the paths that
// must exist post-restore.
const planSchemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["name", "steps"],
	"properties": {
		"name": {"type": "string", "minLength": 1},
		"requiredPaths": {"type": "array", "items": {"type": "string"}},
		"steps": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["kind"],
				"properties": {
					"kind": {"type": "string", "minLength": 1},
					"args": {"type": "object", "additionalProperties": {"type": "string"}}
				}
			}
		}
	}
}`

var planSchema = mustCompilePlanSchema()

func mustCompilePlanSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(planSchemaJSON))
	if err != nil {
		panic(fmt.Sprintf("planwatch: invalid embedded schema: %v", err))
	}
	if err := c.AddResource("plan.schema.json", doc); err != nil {
		panic(fmt.Sprintf("planwatch: add schema resource: %v", err))
	}
	s, err := c.Compile("plan.schema.json")
	if err != nil {
		panic(fmt.Sprintf("planwatch: compile schema: %v", err))
	}
	return s
}

type planFileStep struct {
	Kind string            `json:"kind"`
	Args map[string]string `json:"args"`
}

type planFile struct {
	Name          string         `json:"name"`
	RequiredPaths []string       `json:"requiredPaths"`
	Steps         []planFileStep `json:"steps"`
}

// LoadRestorePlan reads, schema-validates, and fingerprints a plan
// definition file from disk. The fingerprint is the sha256 digest of the
// raw file bytes, used to detect drift between the plan last applied to a
// worker and the one a caller now requests.
func LoadRestorePlan(path string) (RestorePlan, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return RestorePlan{}, fmt.Errorf("read plan %s: %w", path, err)
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return RestorePlan{}, fmt.Errorf("parse plan %s: %w", path, err)
	}
	if err := planSchema.Validate(doc); err != nil {
		return RestorePlan{}, fmt.Errorf("invalid plan %s: %w", path, err)
	}

	var pf planFile
	if err := json.Unmarshal(raw, &pf); err != nil {
		return RestorePlan{}, fmt.Errorf("decode plan %s: %w", path, err)
	}

	sum := sha256.Sum256(raw)
	steps := make([]RestoreStep, 0, len(pf.Steps))
	for _, s := range pf.Steps {
		steps = append(steps, RestoreStep{Kind: s.Kind, Args: s.Args})
	}

	return RestorePlan{
		Name:          pf.Name,
		Steps:         steps,
		Fingerprint:   sum[:],
		RequiredPaths: pf.RequiredPaths,
	}, nil
}

// PlanSource watches a directory of plan definition files (one JSON file
// per plan, named <planName>.json) and keeps an in-memory, fingerprinted
// copy of each up to date as files change on disk.
type PlanSource struct {
	dir    string
	logger *slog.Logger

	mu    sync.RWMutex
	plans map[string]RestorePlan // planName -> plan
}

// NewPlanSource creates a PlanSource rooted at dir, performing an initial
// synchronous load of every *.json file found.
func NewPlanSource(dir string, logger *slog.Logger) (*PlanSource, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &PlanSource{dir: dir, logger: logger, plans: make(map[string]RestorePlan)}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read plan dir %s: %w", dir, err)
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		s.reload(filepath.Join(dir, e.Name()))
	}
	return s, nil
}

// Get returns the current plan for planName, or ok=false if unknown.
func (s *PlanSource) Get(planName string) (RestorePlan, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.plans[planName]
	return p, ok
}

func (s *PlanSource) reload(path string) {
	plan, err := LoadRestorePlan(path)
	if err != nil {
		s.logger.Warn("plan source: failed to load plan", "path", path, "error", err)
		return
	}
	s.mu.Lock()
	s.plans[plan.Name] = plan
	s.mu.Unlock()
	s.logger.Info("plan source: loaded plan", "name", plan.Name, "path", path)
}

// Watch starts a background fsnotify watcher that reloads a plan whenever
// its backing file changes, debouncing bursts of writes, until ctx is
// canceled.
func (s *PlanSource) Watch(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("new watcher: %w", err)
	}
	if err := fsw.Add(s.dir); err != nil {
		_ = fsw.Close()
		return fmt.Errorf("watch %s: %w", s.dir, err)
	}

	go func() {
		defer fsw.Close()

		pending := make(map[string]bool)
		var timer *time.Timer
		var timerC <-chan time.Time

		flush := func() {
			for path := range pending {
				s.reload(path)
			}
			pending = make(map[string]bool)
		}

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if filepath.Ext(ev.Name) != ".json" {
					continue
				}
				if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
					continue
				}
				pending[ev.Name] = true
				if timer == nil {
					timer = time.NewTimer(150 * time.Millisecond)
				} else {
					timer.Reset(150 * time.Millisecond)
				}
				timerC = timer.C
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				s.logger.Warn("plan source watcher error", "error", err)
			case <-timerC:
				flush()
				timerC = nil
			}
		}
	}()

	return nil
}
