package engine

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/inkyojay/sundayhug-ai-workspace-sub000/pkg/api"
)

// LoadDefinitions reads workflow definitions from a YAML file or from every
// .yaml/.yml file in a directory. A file may hold several definitions as
// separate YAML documents. Definitions are parsed, not validated.
func LoadDefinitions(path string) ([]api.WorkflowDefinition, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return loadFile(path)
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if !e.IsDir() && (ext == ".yaml" || ext == ".yml") {
			files = append(files, filepath.Join(path, e.Name()))
		}
	}
	sort.Strings(files)

	var defs []api.WorkflowDefinition
	for _, f := range files {
		got, err := loadFile(f)
		if err != nil {
			return nil, err
		}
		defs = append(defs, got...)
	}
	return defs, nil
}

func loadFile(path string) ([]api.WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	defs, err := ParseDefinitions(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return defs, nil
}

// ParseDefinitions decodes one or more YAML documents into definitions.
func ParseDefinitions(data []byte) ([]api.WorkflowDefinition, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	var defs []api.WorkflowDefinition
	for {
		var def api.WorkflowDefinition
		err := dec.Decode(&def)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse workflow: %w", err)
		}
		if def.ID == "" && len(def.Steps) == 0 {
			continue
		}
		defs = append(defs, def)
	}
	return defs, nil
}
