// Package matching decides which subscribers receive a data parcel by
// evaluating subscription masks against parcel manifests.
package matching
