package memory

import (
	"encoding/xml"
	"fmt"
	"io"
	"time"
)

// TMX 1.4b export. Only the subset of the format that common CAT tools
// read back is emitted: one <tu> per current entry, with the provider
// recorded in creationtool metadata on the header.

type tmxFile struct {
	XMLName xml.Name  `xml:"tmx"`
	Version string    `xml:"version,attr"`
	Header  tmxHeader `xml:"header"`
	Body    tmxBody   `xml:"body"`
}

type tmxHeader struct {
	CreationTool        string `xml:"creationtool,attr"`
	CreationToolVersion string `xml:"creationtoolversion,attr"`
	SegType             string `xml:"segtype,attr"`
	TMF                 string `xml:"o-tmf,attr"`
	AdminLang           string `xml:"adminlang,attr"`
	SrcLang             string `xml:"srclang,attr"`
	DataType            string `xml:"datatype,attr"`
	CreationDate        string `xml:"creationdate,attr"`
}

type tmxBody struct {
	TUs []tmxTU `xml:"tu"`
}

type tmxTU struct {
	CreationDate string   `xml:"creationdate,attr,omitempty"`
	CreationID   string   `xml:"creationid,attr,omitempty"`
	TUVs         []tmxTUV `xml:"tuv"`
}

type tmxTUV struct {
	Lang string `xml:"xml:lang,attr"`
	Seg  string `xml:"seg"`
}

const tmxDateFormat = "20060102T150405Z"

// ExportTMX writes all current entries for the given language pair as a
// TMX 1.4b document. Superseded versions are not exported.
func (s *Store) ExportTMX(w io.Writer, sourceLang, targetLang, toolVersion string) error {
	entries, err := s.Latest()
	if err != nil {
		return err
	}

	doc := tmxFile{
		Version: "1.4",
		Header: tmxHeader{
			CreationTool:        "ludokit",
			CreationToolVersion: toolVersion,
			SegType:             "block",
			TMF:                 "ludokit",
			AdminLang:           "en",
			SrcLang:             sourceLang,
			DataType:            "plaintext",
			CreationDate:        time.Now().UTC().Format(tmxDateFormat),
		},
	}

	for _, e := range entries {
		if e.SourceLang != sourceLang || e.TargetLang != targetLang {
			continue
		}
		doc.Body.TUs = append(doc.Body.TUs, tmxTU{
			CreationDate: e.CreatedAt.UTC().Format(tmxDateFormat),
			CreationID:   e.Provider,
			TUVs: []tmxTUV{
				{Lang: sourceLang, Seg: e.SourceText},
				{Lang: targetLang, Seg: e.TargetText},
			},
		})
	}

	if _, err := io.WriteString(w, xml.Header); err != nil {
		return fmt.Errorf("write tmx: %w", err)
	}
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("write tmx: %w", err)
	}
	_, err = io.WriteString(w, "\n")
	return err
}
