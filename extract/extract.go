// Package extract walks parsed containers and emits stable-identity text
// units. A unit id is a deterministic hash of the container identity and
// the locator path, so re-extracting an unmodified container always
// yields the same ids in the same order, and a game update mints new ids
// only for locators that did not exist before.
package extract

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/ludokit/ludokit/codec"
	"github.com/ludokit/ludokit/container"
)

// Status is the lifecycle state of a text unit.
type Status string

const (
	StatusExtracted  Status = "extracted"
	StatusTranslated Status = "translated"
	StatusReviewed   Status = "reviewed"
	StatusApplied    Status = "applied"
)

// Unit is one addressable piece of translatable text.
type Unit struct {
	// UnitID is the deterministic identity hash.
	UnitID string `yaml:"unit_id" json:"unit_id"`
	// ContainerID is the logical file the unit came from.
	ContainerID string `yaml:"container" json:"container"`
	// Locator is the stable path from the container root to the field.
	Locator string `yaml:"locator" json:"locator"`
	// SourceText is the original text.
	SourceText string `yaml:"source" json:"source"`
	// TranslatedText is empty until translated.
	TranslatedText string `yaml:"translated,omitempty" json:"translated,omitempty"`
	// PriorTranslation carries the previous translation of a unit whose
	// source changed, kept as a reference for the re-translation pass.
	PriorTranslation string `yaml:"prior,omitempty" json:"prior,omitempty"`
	// ByteLengthOriginal is the UTF-8 length of the source text.
	ByteLengthOriginal int    `yaml:"byte_len" json:"byte_len"`
	Status             Status `yaml:"status" json:"status"`
}

// UnitID derives the stable identity of a locator within a container:
// the first 16 hex digits of SHA-256 over "container\x00locator".
func UnitID(containerID, locator string) string {
	h := sha256.Sum256([]byte(containerID + "\x00" + locator))
	return hex.EncodeToString(h[:8])
}

// SourceHash fingerprints unit source text for change detection.
func SourceHash(text string) string {
	h := sha256.Sum256([]byte(text))
	return hex.EncodeToString(h[:])
}

// Extract enumerates the graph's text fields in codec order and wraps
// each in a Unit. Deterministic and restartable: no state is carried
// between calls.
func Extract(g *container.Graph, c codec.Codec) []Unit {
	fields := c.TextFields(g)
	units := make([]Unit, 0, len(fields))
	for _, f := range fields {
		units = append(units, Unit{
			UnitID:             UnitID(g.ContainerID, f.Locator),
			ContainerID:        g.ContainerID,
			Locator:            f.Locator,
			SourceText:         f.Value,
			ByteLengthOriginal: len(f.Value),
			Status:             StatusExtracted,
		})
	}
	return units
}
