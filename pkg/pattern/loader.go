package pattern

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/dawsos-labs/dawsos/core/pkg/capability"
)

// Severity grades a validation finding. Errors exclude the pattern from the
// corpus; warnings load it and surface in validation reports.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is one validation or compliance finding against a pattern file.
type Issue struct {
	File      string   `json:"file,omitempty"`
	PatternID string   `json:"pattern_id,omitempty"`
	StepName  string   `json:"step,omitempty"`
	Code      string   `json:"code"`
	Severity  Severity `json:"severity"`
	Message   string   `json:"message"`
}

func (i Issue) String() string {
	loc := i.File
	if i.PatternID != "" {
		loc += " [" + i.PatternID
		if i.StepName != "" {
			loc += "/" + i.StepName
		}
		loc += "]"
	}
	return fmt.Sprintf("%s: %s %s: %s", loc, i.Severity, i.Code, i.Message)
}

// CapabilityIndex is the loader's read-only view of the capability registry.
// A nil index skips capability existence and ordering checks, which is how the
// standalone validate CLI runs without any agents registered.
type CapabilityIndex interface {
	HasCapability(name string) bool
	ContractByName(name string) (capability.Contract, bool)
}

// PreScanner runs compliance checks over each parsed pattern during load.
// Findings are reported alongside structural issues but never exclude the
// pattern: execution-time re-verification is what refuses non-compliant runs.
type PreScanner interface {
	ScanPattern(p Pattern) []Issue
}

// Loader reads a directory of YAML pattern files into a validated corpus.
type Loader struct {
	dir     string
	index   CapabilityIndex
	scanner PreScanner
	strict  bool
	logger  *slog.Logger
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithIndex wires a capability registry view for existence checks.
func WithIndex(idx CapabilityIndex) LoaderOption {
	return func(l *Loader) { l.index = idx }
}

// WithPreScanner wires a compliance scanner run over each parsed pattern.
func WithPreScanner(s PreScanner) LoaderOption {
	return func(l *Loader) { l.scanner = s }
}

// WithStrict makes deprecation warnings load-fatal.
func WithStrict(strict bool) LoaderOption {
	return func(l *Loader) { l.strict = strict }
}

// WithLoaderLogger sets the loader's logger.
func WithLoaderLogger(logger *slog.Logger) LoaderOption {
	return func(l *Loader) { l.logger = logger }
}

// NewLoader builds a loader over a pattern directory.
func NewLoader(dir string, opts ...LoaderOption) *Loader {
	l := &Loader{dir: dir, logger: slog.Default()}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With("component", "pattern_loader")
	return l
}

// Dir returns the directory the loader reads from.
func (l *Loader) Dir() string { return l.dir }

// LoadResult is the outcome of one corpus load. A file that fails to parse or
// validate contributes issues but never stops the rest of the corpus from
// loading.
type LoadResult struct {
	// Patterns holds every structurally valid pattern by id.
	Patterns map[string]Pattern
	// Files maps pattern id to the file it was loaded from.
	Files map[string]string
	// Issues collects every finding, load order, errors and warnings mixed.
	Issues []Issue
	// ScannedFiles lists every pattern file seen, valid or not.
	ScannedFiles []string
	// FailedFiles marks files whose pattern was excluded by errors.
	FailedFiles map[string]bool
}

// Errors returns the error-severity issues.
func (r *LoadResult) Errors() []Issue { return r.bySeverity(SeverityError) }

// Warnings returns the warning-severity issues.
func (r *LoadResult) Warnings() []Issue { return r.bySeverity(SeverityWarning) }

func (r *LoadResult) bySeverity(s Severity) []Issue {
	var out []Issue
	for _, i := range r.Issues {
		if i.Severity == s {
			out = append(out, i)
		}
	}
	return out
}

// HasErrors reports whether any pattern was excluded.
func (r *LoadResult) HasErrors() bool { return len(r.Errors()) > 0 }

// Load reads every *.yaml / *.yml file in the directory, one pattern per
// file. It returns an error only when the directory itself is unreadable;
// per-file failures are collected as issues and the load continues.
func (l *Loader) Load() (*LoadResult, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("pattern: read dir %s: %w", l.dir, err)
	}

	res := &LoadResult{
		Patterns:    map[string]Pattern{},
		Files:       map[string]string{},
		FailedFiles: map[string]bool{},
	}

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !patternFile(name) {
			continue
		}
		res.ScannedFiles = append(res.ScannedFiles, name)
		l.loadFile(name, res)
	}

	l.detectTriggerDuplicates(res)

	l.logger.Info("pattern corpus loaded",
		"dir", l.dir,
		"patterns", len(res.Patterns),
		"errors", len(res.Errors()),
		"warnings", len(res.Warnings()))
	return res, nil
}

// patternFile reports whether a directory entry looks like a pattern source.
// Editor droppings and dotfiles are skipped so hot reload ignores them.
func patternFile(name string) bool {
	if strings.HasPrefix(name, ".") || strings.HasSuffix(name, "~") || strings.HasSuffix(name, ".tmp") {
		return false
	}
	ext := filepath.Ext(name)
	return ext == ".yaml" || ext == ".yml"
}

func (l *Loader) loadFile(name string, res *LoadResult) {
	path := filepath.Join(l.dir, name)
	data, err := os.ReadFile(path)
	if err != nil {
		res.Issues = append(res.Issues, Issue{
			File: name, Code: "PARSE_FAILED", Severity: SeverityError,
			Message: fmt.Sprintf("read: %v", err),
		})
		res.FailedFiles[name] = true
		return
	}

	var p Pattern
	if err := yaml.Unmarshal(data, &p); err != nil {
		res.Issues = append(res.Issues, Issue{
			File: name, Code: "PARSE_FAILED", Severity: SeverityError,
			Message: fmt.Sprintf("yaml: %v", err),
		})
		res.FailedFiles[name] = true
		return
	}

	issues := l.foldLegacyParams(&p, name)
	issues = append(issues, Validate(p, name, l.index)...)

	if prev, dup := res.Files[p.ID]; dup && p.ID != "" {
		issues = append(issues, Issue{
			File: name, PatternID: p.ID, Code: "DUPLICATE_PATTERN_ID", Severity: SeverityError,
			Message: fmt.Sprintf("pattern id already defined in %s", prev),
		})
	}

	fatal := false
	for _, i := range issues {
		if i.Severity == SeverityError {
			fatal = true
			break
		}
	}

	// Compliance findings ride along but do not exclude: a non-compliant
	// pattern stays loaded and is refused at execution time instead.
	if l.scanner != nil {
		for _, i := range l.scanner.ScanPattern(p) {
			i.File = name
			issues = append(issues, i)
		}
	}
	res.Issues = append(res.Issues, issues...)

	if fatal {
		res.FailedFiles[name] = true
		l.logger.Warn("pattern rejected", "file", name, "pattern", p.ID)
		return
	}

	res.Patterns[p.ID] = p
	res.Files[p.ID] = name
	l.logger.Debug("pattern loaded", "file", name, "pattern", p.ID, "steps", len(p.Steps))
}

// foldLegacyParams merges the deprecated "parameters:" spelling into Params.
// The alias loads with a warning; in strict mode it is rejected outright. A
// step carrying both spellings is always an error.
func (l *Loader) foldLegacyParams(p *Pattern, file string) []Issue {
	var issues []Issue
	for i := range p.Steps {
		s := &p.Steps[i]
		if len(s.LegacyParams) == 0 {
			continue
		}
		if len(s.Params) > 0 {
			issues = append(issues, Issue{
				File: file, PatternID: p.ID, StepName: s.Name,
				Code: "PARAMS_CONFLICT", Severity: SeverityError,
				Message: "step declares both params and parameters",
			})
			s.LegacyParams = nil
			continue
		}
		sev := SeverityWarning
		if l.strict {
			sev = SeverityError
		}
		issues = append(issues, Issue{
			File: file, PatternID: p.ID, StepName: s.Name,
			Code: "DEPRECATED_PARAMETERS", Severity: sev,
			Message: "parameters: is deprecated, use params:",
		})
		s.Params = s.LegacyParams
		s.LegacyParams = nil
	}
	return issues
}

// detectTriggerDuplicates warns when two patterns claim the same normalized
// trigger phrase. First pattern in id order wins at match time, so the
// duplicate is attributed to the later one.
func (l *Loader) detectTriggerDuplicates(res *LoadResult) {
	ids := make([]string, 0, len(res.Patterns))
	for id := range res.Patterns {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	claimed := map[string]string{} // normalized trigger -> pattern id
	for _, id := range ids {
		p := res.Patterns[id]
		for _, trig := range p.Triggers {
			key := NormalizeTrigger(trig)
			if key == "" {
				continue
			}
			if owner, ok := claimed[key]; ok && owner != id {
				res.Issues = append(res.Issues, Issue{
					File: res.Files[id], PatternID: id,
					Code: "DUPLICATE_TRIGGER", Severity: SeverityWarning,
					Message: fmt.Sprintf("trigger %q already claimed by %s", trig, owner),
				})
				continue
			}
			claimed[key] = id
		}
	}
}
