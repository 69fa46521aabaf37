package types

import "strings"

// ParticipantID identifies an addressable component in the cluster.
type ParticipantID struct {
	Subsystem string `json:"subsystem" yaml:"subsystem"`
	Workshop  string `json:"workshop,omitempty" yaml:"workshop,omitempty"`
	Name      string `json:"name" yaml:"name"`
	Version   string `json:"version" yaml:"version"`
}

// NewParticipantID creates a participant identifier.
func NewParticipantID(subsystem, workshop, name, version string) ParticipantID {
	return ParticipantID{
		Subsystem: subsystem,
		Workshop:  workshop,
		Name:      name,
		Version:   version,
	}
}

// FullName composes the dotted name subsystem[.workshop].name.
func (p ParticipantID) FullName() string {
	parts := make([]string, 0, 3)
	if p.Subsystem != "" {
		parts = append(parts, p.Subsystem)
	}
	if p.Workshop != "" {
		parts = append(parts, p.Workshop)
	}
	if p.Name != "" {
		parts = append(parts, p.Name)
	}
	return strings.Join(parts, ".")
}

// Equal compares name, subsystem and version. The workshop is deployment
// metadata and does not take part in identity.
func (p ParticipantID) Equal(other ParticipantID) bool {
	return p.Name == other.Name &&
		p.Subsystem == other.Subsystem &&
		p.Version == other.Version
}

// Key returns a map key that identifies the participant the way Equal does.
func (p ParticipantID) Key() string {
	return p.Subsystem + "\x1f" + p.Name + "\x1f" + p.Version
}

// IsZero reports whether the identifier is unset.
func (p ParticipantID) IsZero() bool {
	return p.Name == "" && p.Subsystem == "" && p.Version == ""
}

// String returns the full name with its version.
func (p ParticipantID) String() string {
	if p.Version == "" {
		return p.FullName()
	}
	return p.FullName() + "(" + p.Version + ")"
}
