package harness

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Check is an extra verdict on an executed scenario, such as a golden
// trace comparison. A non-nil error fails the scenario.
type Check func(path string, scenario *Scenario, result *Result) error

// SuiteResult summarizes a run over several scenario files.
type SuiteResult struct {
	Total     int              `json:"total"`
	Passed    int              `json:"passed"`
	Failed    int              `json:"failed"`
	Scenarios []ScenarioReport `json:"scenarios"`
}

// ScenarioReport is the outcome of one scenario file.
type ScenarioReport struct {
	Name   string   `json:"name,omitempty"`
	Path   string   `json:"path"`
	Pass   bool     `json:"pass"`
	Errors []string `json:"errors,omitempty"`
}

// Failures returns the reports of scenarios that did not pass.
func (s *SuiteResult) Failures() []ScenarioReport {
	var out []ScenarioReport
	for _, r := range s.Scenarios {
		if !r.Pass {
			out = append(out, r)
		}
	}
	return out
}

// FindScenarios returns the scenario files under path: the file itself,
// or every .yaml/.yml file in the directory tree, sorted.
func FindScenarios(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("scenario path: %w", err)
	}
	if !info.IsDir() {
		return []string{path}, nil
	}

	var files []string
	err = filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if ext := strings.ToLower(filepath.Ext(p)); ext == ".yaml" || ext == ".yml" {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", path, err)
	}
	sort.Strings(files)
	return files, nil
}

// RunSuite runs every scenario file in paths, in order, and collects the
// outcome. Load and execution failures count as failed scenarios; checks
// added with WithCheck run only for scenarios that executed.
func RunSuite(ctx context.Context, paths []string, opts ...Option) *SuiteResult {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	suite := &SuiteResult{Scenarios: []ScenarioReport{}}
	for _, path := range paths {
		report := runReport(ctx, path, o.checks, opts)
		suite.Total++
		if report.Pass {
			suite.Passed++
		} else {
			suite.Failed++
		}
		suite.Scenarios = append(suite.Scenarios, report)
	}
	return suite
}

func runReport(ctx context.Context, path string, checks []Check, opts []Option) ScenarioReport {
	report := ScenarioReport{Path: path}
	scenario, result, err := RunFile(ctx, path, opts...)
	if scenario != nil {
		report.Name = scenario.Name
	}
	if err != nil {
		report.Errors = []string{err.Error()}
		return report
	}

	report.Errors = append(report.Errors, result.Errors...)
	for _, check := range checks {
		if err := check(path, scenario, result); err != nil {
			report.Errors = append(report.Errors, err.Error())
		}
	}
	report.Pass = result.Pass && len(report.Errors) == 0
	return report
}
