package config

import (
	"fmt"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Services keeps the services in file order. In YAML it is a mapping from
// service id to its settings.
type Services []ServiceConfig

// Get returns the service with id, or nil.
func (s Services) Get(id string) *ServiceConfig {
	for i := range s {
		if s[i].ID == id {
			return &s[i]
		}
	}
	return nil
}

func (s *Services) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: services must be a mapping", value.Line)
	}
	out := make(Services, 0, len(value.Content)/2)
	for i := 0; i+1 < len(value.Content); i += 2 {
		var svc ServiceConfig
		if err := value.Content[i+1].Decode(&svc); err != nil {
			return err
		}
		svc.ID = value.Content[i].Value
		out = append(out, svc)
	}
	*s = out
	return nil
}

// Triggers keeps the triggers of a service in file order, which decides
// whose alternate call id wins.
type Triggers []TriggerConfig

func (t *Triggers) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: triggers must be a mapping", value.Line)
	}
	out := make(Triggers, 0, len(value.Content)/2)
	for i := 0; i+1 < len(value.Content); i += 2 {
		var tc TriggerConfig
		if err := value.Content[i+1].Decode(&tc); err != nil {
			return err
		}
		tc.ID = value.Content[i].Value
		out = append(out, tc)
	}
	*t = out
	return nil
}

// ValidCodes is either a list of status codes or a regular expression
// matched against the decimal code.
type ValidCodes struct {
	Codes   []int
	Pattern string
}

func (v *ValidCodes) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.SequenceNode:
		return value.Decode(&v.Codes)
	case yaml.ScalarNode:
		if code, err := strconv.Atoi(value.Value); err == nil {
			v.Codes = []int{code}
			return nil
		}
		v.Pattern = value.Value
		return nil
	}
	return fmt.Errorf("line %d: valid_open_response_codes must be a list or a pattern", value.Line)
}
