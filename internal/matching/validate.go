package matching

import (
	"fmt"
	"sort"
	"strings"

	"github.com/duke-git/lancet/v2/maputil"
	"github.com/duke-git/lancet/v2/slice"

	"yqhp/taskbus/pkg/types"
)

// ValidateMask checks a subscription mask for malformed values.
func ValidateMask(mask *types.Mask) error {
	if mask == nil {
		return types.NewBusError(types.ErrCodeInvalidMask, "mask is nil", nil)
	}
	if mask.AllowAll {
		return nil
	}
	problems := checkCommon(
		mask.Content,
		mask.SourceSystem,
		mask.TargetSystem,
		string(mask.Direction),
		string(mask.NormalisationStatus),
		string(mask.ValidationStatus),
		string(mask.PolicyStatus),
		true,
	)
	if len(problems) > 0 {
		return types.NewBusError(types.ErrCodeInvalidMask, strings.Join(problems, "; "), nil)
	}
	return nil
}

// ValidateManifest checks a manifest for malformed values.
func ValidateManifest(manifest *types.Manifest) error {
	if manifest == nil {
		return types.NewBusError(types.ErrCodeInvalidManifest, "manifest is nil", nil)
	}
	problems := checkCommon(
		manifest.Content,
		manifest.SourceSystem,
		manifest.TargetSystem,
		string(manifest.Direction),
		string(manifest.NormalisationStatus),
		string(manifest.ValidationStatus),
		string(manifest.PolicyStatus),
		false,
	)
	if manifest.Content.HasDiscriminatorValue() && !manifest.Content.HasDiscriminatorType() {
		problems = append(problems, "discriminator value set without a discriminator type")
	}
	if len(problems) > 0 {
		return types.NewBusError(types.ErrCodeInvalidManifest, strings.Join(problems, "; "), nil)
	}
	return nil
}

func checkCommon(content types.ContentDescriptor, source, target, direction, normalisation, validation, policy string, isMask bool) []string {
	var problems []string

	fields := map[string]string{
		"definer":             content.Definer,
		"category":            content.Category,
		"subcategory":         content.Subcategory,
		"resource":            content.Resource,
		"segment":             content.Segment,
		"attribute":           content.Attribute,
		"discriminator type":  content.DiscriminatorType,
		"discriminator value": content.DiscriminatorValue,
		"version":             content.Version,
		"source system":       source,
		"target system":       target,
	}
	for _, name := range sortedKeys(fields) {
		value := fields[name]
		if value != strings.TrimSpace(value) {
			problems = append(problems, fmt.Sprintf("%s has surrounding whitespace", name))
		}
		if !isMask && value == types.Wildcard && name != "source system" && name != "target system" {
			problems = append(problems, fmt.Sprintf("%s cannot be a wildcard in a manifest", name))
		}
	}

	if !oneOf(direction, "", types.Wildcard, string(types.FlowInbound), string(types.FlowOutbound), string(types.FlowInternalDistribution)) {
		problems = append(problems, fmt.Sprintf("unknown direction %q", direction))
	}
	if !oneOf(normalisation, "", types.Wildcard, string(types.NormalisationTrue), string(types.NormalisationFalse), string(types.NormalisationAny)) {
		problems = append(problems, fmt.Sprintf("unknown normalisation status %q", normalisation))
	}
	if !oneOf(validation, "", types.Wildcard, string(types.ValidationTrue), string(types.ValidationFalse), string(types.ValidationAny)) {
		problems = append(problems, fmt.Sprintf("unknown validation status %q", validation))
	}
	if !oneOf(policy, "", types.Wildcard, string(types.PolicyPositive), string(types.PolicyNegative), string(types.PolicyAny)) {
		problems = append(problems, fmt.Sprintf("unknown policy status %q", policy))
	}
	return problems
}

func oneOf(value string, allowed ...string) bool {
	return slice.Contain(allowed, value)
}

func sortedKeys(m map[string]string) []string {
	keys := maputil.Keys(m)
	sort.Strings(keys)
	return keys
}
