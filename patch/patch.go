// Package patch turns translated text units into an ordered set of
// byte-level replacement operations for a single container.
package patch

import (
	"fmt"
	"sort"

	"github.com/tidwall/gjson"

	"github.com/ludokit/ludokit/codec"
	"github.com/ludokit/ludokit/container"
	"github.com/ludokit/ludokit/errs"
	"github.com/ludokit/ludokit/extract"
)

// Plan is the ordered patch set for one container, plus the units that
// could not be planned. Stale units do not fail the plan: they are
// excluded and reported so the job can continue with the rest.
type Plan struct {
	ContainerID string
	Format      codec.Format
	Ops         []container.PatchOp
	Stale       []Stale
}

// Stale records a unit whose locator no longer resolves.
type Stale struct {
	Unit extract.Unit
	Err  error
}

// Build resolves each translated unit's locator against the live graph
// and produces the container's patch ops. Binary containers get ops
// sorted by ascending object offset; tree containers keep unit order,
// which is irrelevant there. Units without a translation are skipped.
func Build(g *container.Graph, format codec.Format, units []extract.Unit) (*Plan, error) {
	p := &Plan{ContainerID: g.ContainerID, Format: format}
	seen := make(map[string]bool, len(units))

	for _, u := range units {
		if u.TranslatedText == "" || u.TranslatedText == u.SourceText {
			continue
		}
		if seen[u.Locator] {
			return nil, errs.PatchConflict(
				fmt.Sprintf("duplicate plan target %s in %s", u.Locator, g.ContainerID))
		}
		seen[u.Locator] = true

		op, err := resolve(g, format, u)
		if err != nil {
			p.Stale = append(p.Stale, Stale{Unit: u, Err: err})
			continue
		}
		p.Ops = append(p.Ops, op)
	}

	if format == codec.FormatBinary {
		if err := orderAndCheck(g, p.Ops); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// resolve maps one unit onto a PatchOp, verifying the locator still
// points at the text the unit was extracted from.
func resolve(g *container.Graph, format codec.Format, u extract.Unit) (container.PatchOp, error) {
	switch format {
	case codec.FormatBinary:
		id, field, ok := container.ParseBinaryLocator(u.Locator)
		if !ok {
			return container.PatchOp{}, errs.LocatorStale(u.Locator)
		}
		obj := g.Object(id)
		if obj == nil {
			return container.PatchOp{}, errs.LocatorStale(u.Locator)
		}
		f := obj.Field(field)
		if f == nil || !f.IsText() {
			return container.PatchOp{}, errs.LocatorStale(u.Locator)
		}
		if f.Str != u.SourceText {
			// The container changed under the index.
			return container.PatchOp{}, errs.LocatorStale(u.Locator)
		}
		return container.PatchOp{
			ObjectID:           id,
			Field:              field,
			OriginalByteLength: len(f.Str),
			NewBytes:           []byte(u.TranslatedText),
		}, nil

	case codec.FormatTree:
		// Tree locators carry no object id; the codec resolves the
		// path itself at rewrite time. Staleness is still checked here
		// so a changed file surfaces at planning, not mid-rewrite.
		cur := gjson.GetBytes(g.Raw, u.Locator)
		if cur.Type != gjson.String || cur.Str != u.SourceText {
			return container.PatchOp{}, errs.LocatorStale(u.Locator)
		}
		return container.PatchOp{
			Field:              u.Locator,
			OriginalByteLength: u.ByteLengthOriginal,
			NewBytes:           []byte(u.TranslatedText),
		}, nil

	default:
		return container.PatchOp{}, errs.FormatUnsupported(g.ContainerID)
	}
}

// orderAndCheck sorts binary ops by the owning object's offset and
// rejects overlapping object spans. Overlap cannot happen with a sound
// graph, but a stale index over an out-of-band edit could produce one.
func orderAndCheck(g *container.Graph, ops []container.PatchOp) error {
	sort.SliceStable(ops, func(i, j int) bool {
		a := g.Object(ops[i].ObjectID)
		b := g.Object(ops[j].ObjectID)
		if a.Offset != b.Offset {
			return a.Offset < b.Offset
		}
		return ops[i].Field < ops[j].Field
	})

	objs := append([]*container.Object(nil), g.Objects()...)
	sort.Slice(objs, func(i, j int) bool { return objs[i].Offset < objs[j].Offset })
	for i := 1; i < len(objs); i++ {
		prev, cur := objs[i-1], objs[i]
		if prev.Offset+prev.Length > cur.Offset {
			return errs.PatchConflict(fmt.Sprintf(
				"object %d span overlaps object %d in %s",
				prev.ID, cur.ID, g.ContainerID))
		}
	}
	return nil
}

// Summary renders a one-line description for logs.
func (p *Plan) Summary() string {
	return fmt.Sprintf("%s: %d ops, %d stale", p.ContainerID, len(p.Ops), len(p.Stale))
}
