package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// WriteDefault writes c to path as YAML. It refuses to overwrite an existing
// file unless force is set.
func WriteDefault(path string, c Config, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return errors.Errorf("%s already exists", path)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return errors.Wrap(err, "encode config")
	}
	return writeFile(path, data)
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "could not create config directory")
	}
	// the file may hold a session cookie
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return errors.Wrapf(err, "write %s", path)
	}
	return nil
}

// Editor changes single keys of a config file and keeps the rest of the
// document, comments included.
type Editor struct {
	path string
	doc  yaml.Node
}

func NewEditor(path string) (*Editor, error) {
	e := &Editor{path: path}
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		log.Debug().Str("component", "config").Str("path", path).Msg("creating new config document")
	case err != nil:
		return nil, errors.Wrapf(err, "read %s", path)
	default:
		if err := yaml.Unmarshal(data, &e.doc); err != nil {
			return nil, errors.Wrapf(err, "parse %s", path)
		}
	}
	if e.doc.Kind == 0 {
		e.doc = yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{{Kind: yaml.MappingNode}}}
	}
	if len(e.doc.Content) == 0 || e.doc.Content[0].Kind != yaml.MappingNode {
		return nil, errors.Errorf("%s: root node is not a mapping", path)
	}
	return e, nil
}

// Set assigns value to a dotted key such as "server.base-url".
func (e *Editor) Set(key, value string) error {
	parts := strings.Split(key, ".")
	node := e.doc.Content[0]
	for i, part := range parts {
		if part == "" {
			return errors.Errorf("invalid key %q", key)
		}
		child := lookup(node, part)
		last := i == len(parts)-1
		if child == nil {
			child = &yaml.Node{Kind: yaml.MappingNode}
			if last {
				child = &yaml.Node{Kind: yaml.ScalarNode}
			}
			node.Content = append(node.Content, &yaml.Node{Kind: yaml.ScalarNode, Value: part}, child)
		}
		if last {
			if child.Kind != yaml.ScalarNode {
				return errors.Errorf("%s is not a scalar", key)
			}
			child.Value = value
			child.Tag = ""
			return nil
		}
		if child.Kind != yaml.MappingNode {
			return errors.Errorf("%s is not a mapping", strings.Join(parts[:i+1], "."))
		}
		node = child
	}
	return nil
}

// Get returns the scalar at a dotted key.
func (e *Editor) Get(key string) (string, error) {
	node := e.doc.Content[0]
	for _, part := range strings.Split(key, ".") {
		node = lookup(node, part)
		if node == nil {
			return "", errors.Errorf("key %s not found", key)
		}
	}
	if node.Kind != yaml.ScalarNode {
		return "", errors.Errorf("%s is not a scalar", key)
	}
	return node.Value, nil
}

func (e *Editor) Save() error {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&e.doc); err != nil {
		return errors.Wrap(err, "encode config")
	}
	if err := enc.Close(); err != nil {
		return errors.Wrap(err, "encode config")
	}
	return writeFile(e.path, buf.Bytes())
}

func lookup(m *yaml.Node, key string) *yaml.Node {
	if m == nil || m.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			return m.Content[i+1]
		}
	}
	return nil
}
