// Package topology maps participants to the cluster services hosting them.
package topology

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"yqhp/taskbus/pkg/types"
)

// Placement is the deployment metadata of one participant.
type Placement struct {
	Participant string            `yaml:"participant" json:"participant"`
	Service     string            `yaml:"service" json:"service"`
	Workshop    string            `yaml:"workshop,omitempty" json:"workshop,omitempty"`
	Plant       string            `yaml:"plant,omitempty" json:"plant,omitempty"`
	FunctionTag types.FunctionTag `yaml:"function_tag,omitempty" json:"functionTag,omitempty"`
}

// Lookup resolves a participant name to its placement.
type Lookup interface {
	Placement(participant string) (Placement, bool)
}

type document struct {
	Participants []Placement `yaml:"participants"`
}

// Static is a fixed participant table.
type Static struct {
	mu         sync.RWMutex
	placements map[string]Placement
}

// NewStatic creates a table from placements. Placements without a function
// tag default to the task routing receiver.
func NewStatic(placements ...Placement) (*Static, error) {
	s := &Static{placements: make(map[string]Placement, len(placements))}
	for _, p := range placements {
		if err := s.add(p); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Parse reads a YAML table of the form
//
//	participants:
//	  - participant: NormaliserA
//	    service: lab-normaliser
func Parse(data []byte) (*Static, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse topology: %w", err)
	}
	return NewStatic(doc.Participants...)
}

// Load reads a YAML table from path.
func Load(path string) (*Static, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read topology file: %w", err)
	}
	return Parse(data)
}

func (s *Static) add(p Placement) error {
	if p.Participant == "" {
		return fmt.Errorf("topology entry without participant")
	}
	if p.Service == "" {
		return fmt.Errorf("topology entry %s has no service", p.Participant)
	}
	if _, dup := s.placements[p.Participant]; dup {
		return fmt.Errorf("duplicate topology entry for %s", p.Participant)
	}
	if p.FunctionTag == "" {
		p.FunctionTag = types.FunctionTaskRoutingReceiver
	}
	s.placements[p.Participant] = p
	return nil
}

// Placement implements Lookup.
func (s *Static) Placement(participant string) (Placement, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.placements[participant]
	return p, ok
}

// Put adds or replaces a placement.
func (s *Static) Put(p Placement) {
	if p.FunctionTag == "" {
		p.FunctionTag = types.FunctionTaskRoutingReceiver
	}
	s.mu.Lock()
	s.placements[p.Participant] = p
	s.mu.Unlock()
}

// All returns every placement ordered by participant.
func (s *Static) All() []Placement {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Placement, 0, len(s.placements))
	for _, p := range s.placements {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Participant < out[j].Participant })
	return out
}

var _ Lookup = (*Static)(nil)
