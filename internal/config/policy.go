package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Policy is the optional YAML policy file:
//
//	allowed_owners: ["42", "77"]
//	tasks: [echo, upper, calc]
//	smalltalk:
//	  hello: "Hey there!"
type Policy struct {
	AllowedOwners []string          `yaml:"allowed_owners"`
	Tasks         []string          `yaml:"tasks"`
	Smalltalk     map[string]string `yaml:"smalltalk"`
}

// LoadPolicy reads and decodes the policy file at path. Unknown fields are
// rejected so a typo does not silently open access.
func LoadPolicy(path string) (Policy, error) {
	f, err := os.Open(path)
	if err != nil {
		return Policy{}, fmt.Errorf("opening policy file: %w", err)
	}
	defer f.Close()

	var p Policy
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil && !errors.Is(err, io.EOF) {
		return Policy{}, fmt.Errorf("parsing policy file %s: %w", path, err)
	}
	return p, nil
}
