package types

// Wildcard matches any value when used in a subscription mask or as a
// source/target system in a manifest.
const Wildcard = "*"

// ContentDescriptor describes the type of content carried by a data parcel.
// Every field is optional; an empty string means the field is absent.
type ContentDescriptor struct {
	Definer            string `json:"definer,omitempty" yaml:"definer,omitempty"`
	Category           string `json:"category,omitempty" yaml:"category,omitempty"`
	Subcategory        string `json:"subcategory,omitempty" yaml:"subcategory,omitempty"`
	Resource           string `json:"resource,omitempty" yaml:"resource,omitempty"`
	Segment            string `json:"segment,omitempty" yaml:"segment,omitempty"`
	Attribute          string `json:"attribute,omitempty" yaml:"attribute,omitempty"`
	DiscriminatorType  string `json:"discriminatorType,omitempty" yaml:"discriminator_type,omitempty"`
	DiscriminatorValue string `json:"discriminatorValue,omitempty" yaml:"discriminator_value,omitempty"`
	Version            string `json:"version,omitempty" yaml:"version,omitempty"`
}

func (d ContentDescriptor) HasDefiner() bool            { return d.Definer != "" }
func (d ContentDescriptor) HasCategory() bool           { return d.Category != "" }
func (d ContentDescriptor) HasSubcategory() bool        { return d.Subcategory != "" }
func (d ContentDescriptor) HasResource() bool           { return d.Resource != "" }
func (d ContentDescriptor) HasSegment() bool            { return d.Segment != "" }
func (d ContentDescriptor) HasAttribute() bool          { return d.Attribute != "" }
func (d ContentDescriptor) HasDiscriminatorType() bool  { return d.DiscriminatorType != "" }
func (d ContentDescriptor) HasDiscriminatorValue() bool { return d.DiscriminatorValue != "" }
func (d ContentDescriptor) HasVersion() bool            { return d.Version != "" }

// IsEmpty reports whether no field of the descriptor is set.
func (d ContentDescriptor) IsEmpty() bool {
	return d == ContentDescriptor{}
}

// Token returns a compact identifier for the descriptor, used when deriving
// task identifiers.
func (d ContentDescriptor) Token() string {
	token := ""
	for _, part := range []string{d.Definer, d.Category, d.Subcategory, d.Resource, d.Segment, d.Attribute} {
		if part == "" {
			continue
		}
		if token != "" {
			token += "."
		}
		token += part
	}
	if d.Version != "" {
		token += "@" + d.Version
	}
	if token == "" {
		return "unspecified"
	}
	return token
}

// NormalisationStatus describes whether the parcel content has been normalised.
type NormalisationStatus string

const (
	NormalisationTrue  NormalisationStatus = "NORMALISATION_TRUE"
	NormalisationFalse NormalisationStatus = "NORMALISATION_FALSE"
	NormalisationAny   NormalisationStatus = "NORMALISATION_ANY"
)

// ValidationStatus describes whether the parcel content has been validated.
type ValidationStatus string

const (
	ValidationTrue  ValidationStatus = "VALIDATION_TRUE"
	ValidationFalse ValidationStatus = "VALIDATION_FALSE"
	ValidationAny   ValidationStatus = "VALIDATION_ANY"
)

// PolicyStatus describes the outcome of policy enforcement on the parcel.
type PolicyStatus string

const (
	PolicyPositive PolicyStatus = "POLICY_ENFORCEMENT_POSITIVE"
	PolicyNegative PolicyStatus = "POLICY_ENFORCEMENT_NEGATIVE"
	PolicyAny      PolicyStatus = "POLICY_ENFORCEMENT_ANY"
)

// FlowDirection describes which way a parcel travels through the bus.
type FlowDirection string

const (
	FlowInbound              FlowDirection = "INBOUND"
	FlowOutbound             FlowDirection = "OUTBOUND"
	FlowInternalDistribution FlowDirection = "INTERNAL_DISTRIBUTION"
)

// Manifest describes one unit of exchanged content.
type Manifest struct {
	Content                 ContentDescriptor   `json:"content" yaml:"content"`
	NormalisationStatus     NormalisationStatus `json:"normalisationStatus,omitempty" yaml:"normalisation_status,omitempty"`
	ValidationStatus        ValidationStatus    `json:"validationStatus,omitempty" yaml:"validation_status,omitempty"`
	PolicyStatus            PolicyStatus        `json:"policyStatus,omitempty" yaml:"policy_status,omitempty"`
	Direction               FlowDirection       `json:"direction,omitempty" yaml:"direction,omitempty"`
	SourceSystem            string              `json:"sourceSystem,omitempty" yaml:"source_system,omitempty"`
	TargetSystem            string              `json:"targetSystem,omitempty" yaml:"target_system,omitempty"`
	InternallyDistributable bool                `json:"internallyDistributable" yaml:"internally_distributable"`
}

// Mask is a manifest-shaped filter. Empty fields do not constrain, the
// wildcard matches anything, and AllowAll overrides every other field.
type Mask struct {
	AllowAll                bool                `json:"allowAll" yaml:"allow_all"`
	Content                 ContentDescriptor   `json:"content" yaml:"content"`
	NormalisationStatus     NormalisationStatus `json:"normalisationStatus,omitempty" yaml:"normalisation_status,omitempty"`
	ValidationStatus        ValidationStatus    `json:"validationStatus,omitempty" yaml:"validation_status,omitempty"`
	PolicyStatus            PolicyStatus        `json:"policyStatus,omitempty" yaml:"policy_status,omitempty"`
	Direction               FlowDirection       `json:"direction,omitempty" yaml:"direction,omitempty"`
	SourceSystem            string              `json:"sourceSystem,omitempty" yaml:"source_system,omitempty"`
	TargetSystem            string              `json:"targetSystem,omitempty" yaml:"target_system,omitempty"`
	InternallyDistributable *bool               `json:"internallyDistributable,omitempty" yaml:"internally_distributable,omitempty"`
}

// Parcel is one exchanged unit of payload plus its manifest.
type Parcel struct {
	Manifest Manifest `json:"manifest"`
	Payload  []byte   `json:"payload,omitempty"`
}

// WorkItem is the set of parcels consumed or produced by a task.
type WorkItem struct {
	Parcels []Parcel `json:"parcels,omitempty"`
}

// IsEmpty reports whether the work item carries no parcels.
func (w WorkItem) IsEmpty() bool {
	return len(w.Parcels) == 0
}
