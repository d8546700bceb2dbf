package sandbox

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestDetectTestCommandPrefersPackageJSON(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "package.json", `{"scripts":{"test":"jest"}}`)
	writeFile(t, dir, "go.mod", "module example.com/x\n")

	cmd, err := DetectTestCommand(dir)
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if !reflect.DeepEqual(cmd, []string{"npm", "test"}) {
		t.Fatalf("expected npm test to win over go.mod, got %v", cmd)
	}
}

func TestDetectTestCommandFallsBackToGoMod(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "go.mod", "module example.com/x\n")

	cmd, err := DetectTestCommand(dir)
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if !reflect.DeepEqual(cmd, []string{"go", "test", "./..."}) {
		t.Fatalf("expected go test fallback, got %v", cmd)
	}
}

func TestDetectTestCommandSkipsPackageJSONWithoutTestScript(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "package.json", `{"scripts":{"build":"webpack"}}`)
	writeFile(t, dir, "Cargo.toml", "[package]\nname = \"x\"\n")

	cmd, err := DetectTestCommand(dir)
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if !reflect.DeepEqual(cmd, []string{"cargo", "test"}) {
		t.Fatalf("expected cargo test since package.json has no test script, got %v", cmd)
	}
}

func TestDetectTestCommandReturnsErrorWhenNothingMatches(t *testing.T) {
	dir := t.TempDir()
	if _, err := DetectTestCommand(dir); !errors.Is(err, ErrNoTestCommand) {
		t.Fatalf("expected ErrNoTestCommand, got %v", err)
	}
}
