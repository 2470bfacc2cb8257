package transcribe

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
)

const (
	modelPrefix = "ggml-"
	modelSuffix = ".bin"
)

// KnownModels lists the standard whisper.cpp model sizes.
var KnownModels = []string{"tiny", "base", "small", "medium", "large"}

// ModelFile returns the ggml file name for a model, e.g. "ggml-small.bin".
func ModelFile(name string) string { return modelPrefix + name + modelSuffix }

// DefaultModelDirs returns the directories searched when none are
// configured: ./models, <whisperRoot>/models, the Homebrew share directory,
// ~/whisper.cpp/models, and the models directory next to binary.
func DefaultModelDirs(whisperRoot, binary string) []string {
	dirs := []string{"models"}
	if whisperRoot != "" {
		dirs = append(dirs, filepath.Join(whisperRoot, "models"))
	}
	dirs = append(dirs, "/opt/homebrew/share/whisper/models")
	if home, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs, filepath.Join(home, "whisper.cpp", "models"))
	}
	if binary != "" {
		if p, err := exec.LookPath(binary); err == nil {
			dirs = append(dirs, filepath.Join(filepath.Dir(p), "..", "models"))
		}
	}
	return dirs
}

// FindModel resolves name to a model file. name may itself be a path to an
// existing file; otherwise "ggml-<name>.bin" is looked up in dirs in order.
func FindModel(dirs []string, name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("%w: empty model name", ErrModelNotFound)
	}
	if strings.ContainsRune(name, os.PathSeparator) || strings.HasSuffix(name, modelSuffix) {
		if fi, err := os.Stat(name); err == nil && !fi.IsDir() {
			return name, nil
		}
	}
	file := ModelFile(name)
	for _, dir := range dirs {
		p := filepath.Join(dir, file)
		if fi, err := os.Stat(p); err == nil && !fi.IsDir() {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrModelNotFound, name)
}

// ListModels returns the sorted, de-duplicated names of the ggml models
// found in dirs. Missing directories are skipped.
func ListModels(dirs []string) []string {
	var names []string
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			n := e.Name()
			if e.IsDir() || !strings.HasPrefix(n, modelPrefix) || !strings.HasSuffix(n, modelSuffix) {
				continue
			}
			name := strings.TrimSuffix(strings.TrimPrefix(n, modelPrefix), modelSuffix)
			if name != "" && !slices.Contains(names, name) {
				names = append(names, name)
			}
		}
	}
	slices.Sort(names)
	return names
}

// InstallInstructions explains how to download a missing model.
func InstallInstructions(name string) string {
	return fmt.Sprintf("Model %q not found. To install it:\n"+
		"1. Navigate to your whisper.cpp directory\n"+
		"2. Run: bash ./models/download-ggml-model.sh %s\n"+
		"3. Restart xvoice\n\n"+
		"Available models: %s", name, name, strings.Join(KnownModels, ", "))
}
