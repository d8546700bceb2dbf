package sandbox

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// ErrNoTestCommand is returned when no detector in the priority chain
// matches the worktree.
var ErrNoTestCommand = errors.New("sandbox: no test command detected")

// DetectTestCommand runs the §4.7 fixed priority chain against worktree
// when run_tests.command is omitted: package.json -> Makefile -> pytest
// config -> Cargo.toml -> go.mod. First match wins.
func DetectTestCommand(worktree string) ([]string, error) {
	detectors := []func(string) ([]string, bool, error){
		detectNodeScript,
		detectMakefile,
		detectPytest,
		detectCargo,
		detectGoMod,
	}
	for _, detect := range detectors {
		cmd, ok, err := detect(worktree)
		if err != nil {
			return nil, err
		}
		if ok {
			return cmd, nil
		}
	}
	return nil, ErrNoTestCommand
}

func detectNodeScript(worktree string) ([]string, bool, error) {
	data, err := os.ReadFile(filepath.Join(worktree, "package.json"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var pkg struct {
		Scripts map[string]string `json:"scripts"`
	}
	if err := json.Unmarshal(data, &pkg); err != nil {
		return nil, false, nil
	}
	if _, ok := pkg.Scripts["test"]; !ok {
		return nil, false, nil
	}
	return []string{"npm", "test"}, true, nil
}

func detectMakefile(worktree string) ([]string, bool, error) {
	data, err := os.ReadFile(filepath.Join(worktree, "Makefile"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	for _, line := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(line, "test:") {
			return []string{"make", "test"}, true, nil
		}
	}
	return nil, false, nil
}

func detectPytest(worktree string) ([]string, bool, error) {
	candidates := []struct {
		file string
		need string
	}{
		{"pytest.ini", ""},
		{"pyproject.toml", "[tool.pytest"},
		{"setup.cfg", "[tool:pytest"},
	}
	for _, c := range candidates {
		data, err := os.ReadFile(filepath.Join(worktree, c.file))
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, false, err
		}
		if c.need == "" || strings.Contains(string(data), c.need) {
			return []string{"pytest"}, true, nil
		}
	}
	return nil, false, nil
}

func detectCargo(worktree string) ([]string, bool, error) {
	if _, err := os.Stat(filepath.Join(worktree, "Cargo.toml")); errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	} else if err != nil {
		return nil, false, err
	}
	return []string{"cargo", "test"}, true, nil
}

func detectGoMod(worktree string) ([]string, bool, error) {
	if _, err := os.Stat(filepath.Join(worktree, "go.mod")); errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	} else if err != nil {
		return nil, false, err
	}
	return []string{"go", "test", "./..."}, true, nil
}
