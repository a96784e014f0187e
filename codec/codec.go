// Package codec selects a container codec variant once, at format
// detection time. Downstream code dispatches over the returned Codec and
// never re-inspects file bytes per field.
package codec

import (
	"path/filepath"
	"strings"

	"github.com/ludokit/ludokit/bincodec"
	"github.com/ludokit/ludokit/container"
	"github.com/ludokit/ludokit/errs"
	"github.com/ludokit/ludokit/treecodec"
)

// Format is the fixed enumeration of supported container families.
type Format int

const (
	// FormatBinary is the GDC binary asset container.
	FormatBinary Format = iota
	// FormatTree is structured JSON game data.
	FormatTree
)

func (f Format) String() string {
	switch f {
	case FormatBinary:
		return bincodec.FormatName
	case FormatTree:
		return treecodec.FormatName
	default:
		return "unknown"
	}
}

// Codec is the capability set every variant provides.
type Codec interface {
	Parse(containerID string, data []byte) (*container.Graph, error)
	Rewrite(g *container.Graph, patches []container.PatchOp) ([]byte, error)
	TextFields(g *container.Graph) []container.TextField
}

// Detect sniffs magic bytes first and falls back to a JSON shape check
// for .json files. Files no variant claims fail with FormatUnsupported;
// the caller skips them without aborting a multi-file job.
func Detect(path string, data []byte) (Format, error) {
	if bincodec.Sniff(data) {
		return FormatBinary, nil
	}
	ext := strings.ToLower(filepath.Ext(path))
	if (ext == ".json" || ext == "") && treecodec.Sniff(data) {
		return FormatTree, nil
	}
	return 0, errs.FormatUnsupported(path)
}

// For returns the codec for a detected format. Tree rules come from
// configuration; the binary variant needs none.
func For(f Format, rules treecodec.Rules) Codec {
	switch f {
	case FormatTree:
		return treecodec.New(rules)
	default:
		return bincodec.Codec{}
	}
}
