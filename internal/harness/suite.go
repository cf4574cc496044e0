package harness

import (
	"fmt"
	"os"
	"path/filepath"
)

// SuiteResult summarizes a directory sweep of scenario files.
type SuiteResult struct {
	TotalScenarios int               `json:"total_scenarios"`
	Passed         int               `json:"passed"`
	Failed         int               `json:"failed"`
	Failures       []ScenarioFailure `json:"failures,omitempty"`
}

// ScenarioFailure pins a failed scenario to its file and first error.
type ScenarioFailure struct {
	ScenarioPath string `json:"scenario_path"`
	Name         string `json:"name,omitempty"`
	Error        string `json:"error"`
}

// RunDir loads and runs every *.yaml scenario under dir, in path order.
// A scenario that fails to load, run, or pass counts as failed and the
// sweep continues; the error return covers only an unreadable directory.
func RunDir(dir string) (*SuiteResult, error) {
	pattern := filepath.Join(dir, "*.yaml")
	paths, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("glob %s: %w", pattern, err)
	}
	if len(paths) == 0 {
		if _, statErr := os.Stat(dir); statErr != nil {
			return nil, fmt.Errorf("scenario dir: %w", statErr)
		}
	}

	suite := &SuiteResult{}
	for _, path := range paths {
		suite.TotalScenarios++

		scenario, err := LoadScenario(path)
		if err != nil {
			suite.fail(path, "", fmt.Sprintf("load: %v", err))
			continue
		}

		result, err := Run(scenario)
		if err != nil {
			suite.fail(path, scenario.Name, fmt.Sprintf("run: %v", err))
			continue
		}
		if !result.Pass {
			suite.fail(path, scenario.Name, fmt.Sprintf("assertions failed: %v", result.Errors))
			continue
		}
		suite.Passed++
	}
	return suite, nil
}

func (s *SuiteResult) fail(path, name, msg string) {
	s.Failed++
	s.Failures = append(s.Failures, ScenarioFailure{
		ScenarioPath: path,
		Name:         name,
		Error:        msg,
	})
}
