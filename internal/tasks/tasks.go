// Package tasks reads queue items from a YAML task file.
//
// The file is either a plain sequence of strings:
//
//	- render frame 1
//	- render frame 2
//
// or a mapping with a "tasks" key holding that sequence. Each entry becomes
// the payload of one queue item; entries are opaque to warden.
package tasks

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

type taskFile struct {
	Tasks []string `yaml:"tasks"`
}

// LoadFile reads and parses the task file at path.
func LoadFile(path string) ([][]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open task file: %w", err)
	}
	defer f.Close()

	items, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("task file %s: %w", path, err)
	}
	return items, nil
}

// Parse reads task payloads from r. Empty input yields no tasks.
func Parse(r io.Reader) ([][]byte, error) {
	var doc yaml.Node
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, err
	}
	if len(doc.Content) == 0 {
		return nil, nil
	}

	var list []string
	switch root := doc.Content[0]; root.Kind {
	case yaml.SequenceNode:
		if err := root.Decode(&list); err != nil {
			return nil, err
		}
	case yaml.MappingNode:
		var tf taskFile
		if err := root.Decode(&tf); err != nil {
			return nil, err
		}
		list = tf.Tasks
	default:
		return nil, fmt.Errorf("expected a list of tasks or a mapping with \"tasks\", line %d", root.Line)
	}

	items := make([][]byte, 0, len(list))
	for i, task := range list {
		if task == "" {
			return nil, fmt.Errorf("task %d is empty", i+1)
		}
		items = append(items, []byte(task))
	}
	return items, nil
}
