package translate

import (
	"context"
	stderrors "errors"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/ludokit/ludokit/errs"
	"github.com/ludokit/ludokit/extract"
	"github.com/ludokit/ludokit/glossary"
	"github.com/ludokit/ludokit/memory"
)

// ServiceOptions tunes the unit-level pipeline.
type ServiceOptions struct {
	SourceLang   string
	TargetLang   string
	RulesVersion string
	// BatchSize caps texts per provider call. Default 30.
	BatchSize int
	// MaxInFlight caps concurrent provider batches. Dispatch blocks
	// when every slot is busy. Default 4.
	MaxInFlight int
}

func (o ServiceOptions) batchSize() int {
	if o.BatchSize <= 0 {
		return 30
	}
	return o.BatchSize
}

func (o ServiceOptions) maxInFlight() int {
	if o.MaxInFlight <= 0 {
		return 4
	}
	return o.MaxInFlight
}

// Service translates extraction units through the memory store: hits
// are served locally, misses are deduplicated, batched, sent to the
// provider, and written back to the store.
type Service struct {
	client *Client
	store  *memory.Store
	gloss  *glossary.Glossary
	opts   ServiceOptions
}

// NewService assembles the pipeline. gloss may be nil.
func NewService(client *Client, store *memory.Store, gloss *glossary.Glossary, opts ServiceOptions) *Service {
	if gloss == nil {
		gloss = glossary.New(nil)
	}
	return &Service{client: client, store: store, gloss: gloss, opts: opts}
}

// Result maps unit ids to outcomes.
type Result struct {
	// Translated holds target text per unit id.
	Translated map[string]string
	// Failed holds per-unit errors (content rejections). These units
	// need manual attention; they never abort the batch.
	Failed map[string]error
	// Hits counts units served from the memory store.
	Hits int
	// Misses counts unique texts that went to the provider.
	Misses int
}

// Run translates every unit that lacks a translation. Identical source
// texts collapse into one provider request regardless of how many units
// carry them, and misses go through the store's in-flight marker so
// concurrent jobs sharing a store never translate the same hash twice.
func (s *Service) Run(ctx context.Context, units []extract.Unit) (*Result, error) {
	res := &Result{
		Translated: make(map[string]string),
		Failed:     make(map[string]error),
	}

	// Dedup by content hash; remember which units share each text.
	type pending struct {
		source string
		units  []string // unit ids
	}
	byHash := make(map[string]*pending)
	var missOrder []string

	for _, u := range units {
		if u.TranslatedText != "" {
			res.Translated[u.UnitID] = u.TranslatedText
			continue
		}
		hash := memory.ContentHash(u.SourceText, s.opts.SourceLang, s.opts.TargetLang, s.opts.RulesVersion)
		if p, ok := byHash[hash]; ok {
			p.units = append(p.units, u.UnitID)
			continue
		}

		entry, ok, err := s.store.Lookup(hash)
		if err != nil {
			return nil, err
		}
		if ok {
			res.Hits++
			res.Translated[u.UnitID] = entry.TargetText
			continue
		}
		byHash[hash] = &pending{source: u.SourceText, units: []string{u.UnitID}}
		missOrder = append(missOrder, hash)
	}
	res.Misses = len(missOrder)
	if res.Misses == 0 {
		return res, nil
	}
	sort.Strings(missOrder)

	// Fan batches out on a bounded group. SetLimit gives the
	// backpressure: Go blocks until a slot frees.
	var (
		g, gctx   = errgroup.WithContext(ctx)
		results   = make([]string, len(missOrder))
		batchErrs = make([]error, len(missOrder))
	)
	g.SetLimit(s.opts.maxInFlight())

	size := s.opts.batchSize()
	for start := 0; start < len(missOrder); start += size {
		end := start + size
		if end > len(missOrder) {
			end = len(missOrder)
		}
		start, end := start, end

		g.Go(func() error {
			hashes := missOrder[start:end]

			// One provider call covers the whole batch. The store's
			// in-flight marker decides per hash whether this job runs
			// it or waits for a concurrent job's result, so the call
			// fires only if this job leads at least one hash.
			var (
				once    sync.Once
				outs    []string
				callErr error
			)
			runBatch := func() {
				batch := make([]Request, 0, len(hashes))
				for _, hash := range hashes {
					batch = append(batch, Request{
						SourceText: s.gloss.Mask(byHash[hash].source),
						SourceLang: s.opts.SourceLang,
						TargetLang: s.opts.TargetLang,
					})
				}
				outs, callErr = s.client.Translate(gctx, batch)
			}

			for i, hash := range hashes {
				i, hash := i, hash
				entry, err := s.store.Fetch(hash, byHash[hash].source,
					s.opts.SourceLang, s.opts.TargetLang,
					func() (string, string, error) {
						once.Do(runBatch)
						if callErr != nil {
							return "", "", callErr
						}
						target := s.gloss.Unmask(outs[i])
						if target == "" {
							// Content-level rejection: this item only.
							return "", "", errs.Provider(false, "provider rejected content", nil)
						}
						return target, s.client.Name(), nil
					})
				if err != nil {
					if stderrors.Is(err, errs.ErrProvider) {
						// The hash stays untranslated; the job carries
						// on with the rest.
						batchErrs[start+i] = err
						continue
					}
					return err
				}
				results[start+i] = entry.TargetText
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for i, hash := range missOrder {
		p := byHash[hash]
		if batchErrs[i] != nil {
			for _, id := range p.units {
				res.Failed[id] = batchErrs[i]
			}
			continue
		}
		for _, id := range p.units {
			res.Translated[id] = results[i]
		}
	}
	return res, nil
}
