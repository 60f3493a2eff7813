package roles

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// yamlEntry is the long form of a role in a YAML table.
type yamlEntry struct {
	Priority  *int  `yaml:"priority"`
	Anonymous bool  `yaml:"anonymous"`
	Servable  *bool `yaml:"servable"`
}

// ParseYAML reads a role table from a YAML mapping. Each value is either an
// integer priority or a mapping with priority, anonymous and servable keys:
//
//	server: {priority: 100, servable: false}
//	admin: 200
//	public: {priority: 400, anonymous: true}
//
// Mapping order is kept as declaration order.
func ParseYAML(data []byte) (Table, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("roles: parse: %w", err)
	}
	if len(doc.Content) == 0 {
		return Table{}, nil
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("roles: parse: line %d: expected a mapping of role names", root.Line)
	}

	t := make(Table, 0, len(root.Content)/2)
	for i := 0; i+1 < len(root.Content); i += 2 {
		key, val := root.Content[i], root.Content[i+1]
		e := Entry{Name: key.Value}
		switch val.Kind {
		case yaml.ScalarNode:
			var p int
			if err := val.Decode(&p); err != nil {
				return nil, fmt.Errorf("roles: parse: role %s: %w", key.Value, err)
			}
			e.Priority = &p
		case yaml.MappingNode:
			var ye yamlEntry
			if err := val.Decode(&ye); err != nil {
				return nil, fmt.Errorf("roles: parse: role %s: %w", key.Value, err)
			}
			e.Priority = ye.Priority
			e.Anonymous = ye.Anonymous
			e.Servable = ye.Servable
		default:
			return nil, fmt.Errorf("roles: parse: role %s: line %d: expected a priority or a mapping", key.Value, val.Line)
		}
		t = append(t, e)
	}
	return t, nil
}

// LoadFile reads and builds a role set from a YAML file.
func LoadFile(path string) (*Set, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("roles: %w", err)
	}
	t, err := ParseYAML(data)
	if err != nil {
		return nil, err
	}
	return Build(t)
}
