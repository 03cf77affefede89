package workflow

import (
	"fmt"
	"io"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// Seed is the TOML document loaded by `lims-server templates load`.
//
//	[[sections]]
//	name = "Hematology"
//
//	[[methods]]
//	code = "CBC"
//	name = "Complete blood count"
//
//	  [[methods.steps]]
//	  section = "Hematology"
//
//	    [[methods.steps.fields]]
//	    name = "wbc"
//	    type = "number"
//	    required = true
type Seed struct {
	Sections []SeedSection `toml:"sections"`
	Methods  []SeedMethod  `toml:"methods"`
}

type SeedSection struct {
	Name     string `toml:"name"`
	Inactive bool   `toml:"inactive"`
}

type SeedMethod struct {
	Code     string     `toml:"code"`
	Name     string     `toml:"name"`
	Workflow string     `toml:"workflow"`
	Steps    []SeedStep `toml:"steps"`
}

// SeedStep orders are implied by position, starting at 1.
type SeedStep struct {
	Section string           `toml:"section"`
	Fields  []ParameterField `toml:"fields"`
}

// ParseSeed decodes a seed document. Unknown keys are rejected.
func ParseSeed(r io.Reader) (*Seed, error) {
	var seed Seed
	dec := toml.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&seed); err != nil {
		return nil, fmt.Errorf("decode seed: %w", err)
	}
	return &seed, nil
}

func LoadSeedFile(path string) (*Seed, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseSeed(f)
}

// Validate checks references between methods and sections.
func (s *Seed) Validate() error {
	sections := map[string]bool{}
	for _, sec := range s.Sections {
		if sec.Name == "" {
			return fmt.Errorf("section name is required")
		}
		if sections[sec.Name] {
			return fmt.Errorf("duplicate section %q", sec.Name)
		}
		sections[sec.Name] = true
	}
	codes := map[string]bool{}
	for _, m := range s.Methods {
		if m.Code == "" || m.Name == "" {
			return fmt.Errorf("method code and name are required")
		}
		if codes[m.Code] {
			return fmt.Errorf("duplicate method %q", m.Code)
		}
		codes[m.Code] = true
		for i, st := range m.Steps {
			if !sections[st.Section] {
				return fmt.Errorf("method %s step %d: unknown section %q", m.Code, i+1, st.Section)
			}
		}
	}
	return nil
}
