package matching

import (
	"yqhp/taskbus/pkg/types"
)

// Matches reports whether the manifest passes the mask.
//
// Fields are evaluated in a fixed order and the first failing field ends the
// evaluation: source system, target system, content descriptor, direction,
// normalisation, validation and policy status, then the distribution flag.
// An empty mask field does not constrain; the wildcard matches anything; any
// other value must equal the manifest's value, and a manifest that omits the
// field fails.
func Matches(mask *types.Mask, manifest *types.Manifest) bool {
	if mask == nil {
		return false
	}
	if mask.AllowAll {
		return true
	}
	if manifest == nil {
		return false
	}

	if !matchSystem(mask.SourceSystem, manifest.SourceSystem) {
		return false
	}
	if !matchSystem(mask.TargetSystem, manifest.TargetSystem) {
		return false
	}
	if !matchContent(&mask.Content, &manifest.Content) {
		return false
	}
	if !matchField(string(mask.Direction), string(manifest.Direction)) {
		return false
	}
	if !matchStatus(string(mask.NormalisationStatus), string(manifest.NormalisationStatus), string(types.NormalisationAny)) {
		return false
	}
	if !matchStatus(string(mask.ValidationStatus), string(manifest.ValidationStatus), string(types.ValidationAny)) {
		return false
	}
	if !matchStatus(string(mask.PolicyStatus), string(manifest.PolicyStatus), string(types.PolicyAny)) {
		return false
	}
	if mask.InternallyDistributable != nil && *mask.InternallyDistributable != manifest.InternallyDistributable {
		return false
	}
	return true
}

func matchContent(mask, manifest *types.ContentDescriptor) bool {
	return matchField(mask.Definer, manifest.Definer) &&
		matchField(mask.Category, manifest.Category) &&
		matchField(mask.Subcategory, manifest.Subcategory) &&
		matchField(mask.Resource, manifest.Resource) &&
		matchField(mask.Segment, manifest.Segment) &&
		matchField(mask.Attribute, manifest.Attribute) &&
		matchField(mask.DiscriminatorType, manifest.DiscriminatorType) &&
		matchField(mask.DiscriminatorValue, manifest.DiscriminatorValue) &&
		matchField(mask.Version, manifest.Version)
}

// matchField applies the per-field rule.
func matchField(want, got string) bool {
	if want == "" || want == types.Wildcard {
		return true
	}
	if got == "" {
		return false
	}
	return want == got
}

// matchSystem additionally lets a manifest addressed to every system
// through a concrete mask value.
func matchSystem(want, got string) bool {
	if got == types.Wildcard {
		return true
	}
	return matchField(want, got)
}

// matchStatus treats the enum's ANY member like the wildcard.
func matchStatus(want, got, anyValue string) bool {
	if want == anyValue || got == anyValue {
		return true
	}
	return matchField(want, got)
}
