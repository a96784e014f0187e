// Package review exports extraction units for human reviewers and
// imports their edits back. The interchange format is CSV so any
// spreadsheet tool works.
package review

import (
	"encoding/csv"
	"fmt"
	"io"
	"sort"

	"github.com/ludokit/ludokit/extract"
	"github.com/ludokit/ludokit/index"
)

// Column order of the review sheet.
var header = []string{
	"unit_id", "locator", "source_text", "machine_translation", "reviewer_edit", "status",
}

// Row is one reviewable unit.
type Row struct {
	UnitID             string
	Locator            string
	SourceText         string
	MachineTranslation string
	ReviewerEdit       string
	Status             string
}

// Export writes every active unit of every container as CSV, ordered by
// container then locator so the sheet reads in file order.
func Export(w io.Writer, idx *index.File) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("write review header: %w", err)
	}

	ids := idx.ContainerIDs()
	sort.Strings(ids)
	for _, cid := range ids {
		for _, u := range idx.ActiveUnits(cid) {
			rec := []string{
				u.UnitID, u.Locator, u.SourceText, u.TranslatedText, "", string(u.Status),
			}
			if err := cw.Write(rec); err != nil {
				return fmt.Errorf("write review row: %w", err)
			}
		}
	}
	cw.Flush()
	return cw.Error()
}

// ImportResult summarizes an import pass.
type ImportResult struct {
	// Updated counts units whose translation was replaced by a
	// reviewer edit.
	Updated int
	// Unchanged counts rows with no edit.
	Unchanged int
	// Orphaned lists rows whose unit id no longer exists in the index.
	Orphaned []Row
}

// Import reads a review sheet and applies each non-empty reviewer_edit
// as the unit's translation, marking it reviewed. Rows referencing
// units the index no longer knows are collected as orphaned, not
// errors: the reviewer may be working from an older extraction.
func Import(r io.Reader, idx *index.File) (*ImportResult, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = len(header)

	first, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read review sheet: %w", err)
	}
	if !isHeader(first) {
		return nil, fmt.Errorf("review sheet: unexpected header %v", first)
	}

	res := &ImportResult{}
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read review row: %w", err)
		}
		row := Row{
			UnitID:             rec[0],
			Locator:            rec[1],
			SourceText:         rec[2],
			MachineTranslation: rec[3],
			ReviewerEdit:       rec[4],
			Status:             rec[5],
		}

		cid, _, ok := idx.Lookup(row.UnitID)
		if !ok {
			res.Orphaned = append(res.Orphaned, row)
			continue
		}
		if row.ReviewerEdit == "" {
			res.Unchanged++
			continue
		}
		idx.SetTranslation(cid, row.UnitID, row.ReviewerEdit, extract.StatusReviewed)
		res.Updated++
	}
	return res, nil
}

func isHeader(rec []string) bool {
	if len(rec) != len(header) {
		return false
	}
	for i := range header {
		if rec[i] != header[i] {
			return false
		}
	}
	return true
}
