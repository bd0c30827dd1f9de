// Package specs loads kernel specifications from the configured
// directories. A specification lives at <dir>/<name>/kernel.json and
// carries the launch argv, the environment stanza, and optionally the
// backend that should place the kernel.
package specs

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/otterscale/kernel-provisioner/internal/core"
)

const specFileName = "kernel.json"

// specFile mirrors the kernel.json document.
type specFile struct {
	Argv        []string          `json:"argv"`
	Env         map[string]string `json:"env"`
	DisplayName string            `json:"display_name"`
	Language    string            `json:"language"`
	Metadata    struct {
		Provisioner struct {
			Name string `json:"name"`
		} `json:"provisioner"`
	} `json:"metadata"`
}

// Store resolves kernel spec names against a directory search path.
// Earlier directories shadow later ones.
type Store struct {
	dirs []string
}

func NewStore(dirs []string) *Store {
	return &Store{dirs: dirs}
}

// Get loads the named spec and the backend it requests, empty when the
// spec leaves the choice to the server.
func (s *Store) Get(name string) (core.KernelSpec, string, error) {
	for _, dir := range s.dirs {
		path := filepath.Join(dir, name, specFileName)
		data, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return core.KernelSpec{}, "", fmt.Errorf("reading kernel spec %s: %w", path, err)
		}

		var sf specFile
		if err := json.Unmarshal(data, &sf); err != nil {
			return core.KernelSpec{}, "", fmt.Errorf("parsing kernel spec %s: %w", path, err)
		}
		if len(sf.Argv) == 0 {
			return core.KernelSpec{}, "", &core.ErrConfig{
				Option:  "kernel_spec",
				Message: fmt.Sprintf("spec %q has no argv", name),
			}
		}
		return core.KernelSpec{
			Argv:        sf.Argv,
			Env:         sf.Env,
			DisplayName: sf.DisplayName,
			Language:    sf.Language,
		}, sf.Metadata.Provisioner.Name, nil
	}
	return core.KernelSpec{}, "", &core.ErrKernelNotFound{KernelID: name}
}

// List returns the spec names available across the search path.
func (s *Store) List() []string {
	seen := map[string]bool{}
	for _, dir := range s.dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if !entry.IsDir() || seen[entry.Name()] {
				continue
			}
			if _, err := os.Stat(filepath.Join(dir, entry.Name(), specFileName)); err == nil {
				seen[entry.Name()] = true
			}
		}
	}

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
