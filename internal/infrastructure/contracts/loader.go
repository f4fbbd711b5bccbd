// Package contracts loads FSM transition contracts from YAML. Contracts are
// validated and compiled at load time so malformed definitions fail
// startup instead of the first transition.
package contracts

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/knowledge-hub/knowledge-hub/internal/domain/fsm"
)

//go:embed defaults/*.yaml
var defaultsFS embed.FS

// LoadError reports a contract file that could not be loaded.
type LoadError struct {
	File string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("%s: %v", e.File, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// LoadRegistry loads contracts from dir, or the embedded defaults when dir
// is empty.
func LoadRegistry(dir string) (*fsm.Registry, error) {
	var (
		list []*fsm.Contract
		err  error
	)
	if strings.TrimSpace(dir) == "" {
		list, err = Defaults()
	} else {
		list, err = LoadDir(dir)
	}
	if err != nil {
		return nil, err
	}
	return fsm.NewRegistry(list...)
}

// Defaults returns the built-in contracts.
func Defaults() ([]*fsm.Contract, error) {
	return loadFS(defaultsFS, "defaults")
}

// LoadDir loads every *.yaml and *.yml file in dir, in name order.
func LoadDir(dir string) ([]*fsm.Contract, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("contracts dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("contracts dir: %s is not a directory", dir)
	}
	return loadFS(os.DirFS(dir), ".")
}

func loadFS(fsys fs.FS, root string) ([]*fsm.Contract, error) {
	entries, err := fs.ReadDir(fsys, root)
	if err != nil {
		return nil, fmt.Errorf("read contracts: %w", err)
	}
	files := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(path.Ext(e.Name())) {
		case ".yaml", ".yml":
			files = append(files, path.Join(root, e.Name()))
		}
	}
	sort.Strings(files)
	if len(files) == 0 {
		return nil, errors.New("no contract files found")
	}

	var (
		out  []*fsm.Contract
		errs []error
	)
	for _, name := range files {
		data, err := fs.ReadFile(fsys, name)
		if err != nil {
			errs = append(errs, &LoadError{File: name, Err: err})
			continue
		}
		list, err := Parse(data)
		if err != nil {
			errs = append(errs, &LoadError{File: name, Err: err})
			continue
		}
		out = append(out, list...)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return out, nil
}

// Parse decodes one or more YAML documents into compiled contracts.
// Unknown fields are rejected.
func Parse(data []byte) ([]*fsm.Contract, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var out []*fsm.Contract
	for {
		var raw fsm.Contract
		err := dec.Decode(&raw)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("decode contract: %w", err)
		}
		compiled, err := fsm.Compile(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, compiled)
	}
	if len(out) == 0 {
		return nil, errors.New("empty contract document")
	}
	return out, nil
}
