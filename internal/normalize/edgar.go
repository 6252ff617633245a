package normalize

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"MarketPull/internal/domain/models"
)

const providerEdgar = "edgar"

const edgarArchiveBase = "https://www.sec.gov/Archives/edgar/data"

type edgarSubmissions struct {
	CIK     json.Number `json:"cik"`
	Name    string      `json:"name"`
	Filings struct {
		Recent edgarRecent `json:"recent"`
	} `json:"filings"`
}

// The submissions API reports recent filings as parallel arrays, one
// index per filing.
type edgarRecent struct {
	AccessionNumber []string `json:"accessionNumber"`
	FilingDate      []string `json:"filingDate"`
	Form            []string `json:"form"`
	PrimaryDocument []string `json:"primaryDocument"`
	PrimaryDocDesc  []string `json:"primaryDocDescription"`
}

// edgarRow is the per-filing slice of the parallel arrays, kept as the
// raw payload for the stored record.
type edgarRow struct {
	AccessionNumber string `json:"accessionNumber"`
	Form            string `json:"form"`
	FilingDate      string `json:"filingDate"`
	PrimaryDocument string `json:"primaryDocument,omitempty"`
	PrimaryDocDesc  string `json:"primaryDocDescription,omitempty"`
}

// EdgarFilings maps a company submissions payload onto filings for
// the given symbol. Forms outside the tracked classes still come
// through, typed "other" with the reported form preserved. Rows with
// an unparseable date or a blank form are dropped individually.
func EdgarFilings(symbol string, payload []byte) (filings []models.Filing, dropped []*Error, err error) {
	var sub edgarSubmissions
	if err := json.Unmarshal(payload, &sub); err != nil {
		return nil, nil, errf(providerEdgar, "submissions", "bad json: %v", err)
	}
	if symbol == "" {
		return nil, nil, errf(providerEdgar, "symbol", "missing symbol")
	}
	cik := strings.TrimLeft(sub.CIK.String(), "0")
	if cik == "" {
		return nil, nil, errf(providerEdgar, "cik", "missing cik")
	}
	rec := &sub.Filings.Recent
	n := len(rec.AccessionNumber)
	if len(rec.FilingDate) != n || len(rec.Form) != n {
		return nil, nil, errf(providerEdgar, "filings", "ragged arrays: accession=%d date=%d form=%d",
			n, len(rec.FilingDate), len(rec.Form))
	}
	for i := 0; i < n; i++ {
		f, derr := filingRow(symbol, sub.Name, cik, rec, i)
		if derr != nil {
			dropped = append(dropped, derr)
			continue
		}
		filings = append(filings, f)
	}
	return filings, dropped, nil
}

func filingRow(symbol, entity, cik string, rec *edgarRecent, i int) (models.Filing, *Error) {
	form := strings.TrimSpace(rec.Form[i])
	if form == "" {
		return models.Filing{}, errf(providerEdgar, "form", "empty form at index %d", i)
	}
	filedAt, err := time.Parse("2006-01-02", rec.FilingDate[i])
	if err != nil {
		return models.Filing{}, errf(providerEdgar, "filingDate", "bad date %q at index %d", rec.FilingDate[i], i)
	}
	accession := strings.TrimSpace(rec.AccessionNumber[i])
	if accession == "" {
		return models.Filing{}, errf(providerEdgar, "accessionNumber", "empty accession at index %d", i)
	}

	row := edgarRow{
		AccessionNumber: accession,
		Form:            form,
		FilingDate:      rec.FilingDate[i],
	}
	if i < len(rec.PrimaryDocument) {
		row.PrimaryDocument = rec.PrimaryDocument[i]
	}
	if i < len(rec.PrimaryDocDesc) {
		row.PrimaryDocDesc = rec.PrimaryDocDesc[i]
	}
	raw, _ := json.Marshal(row)

	title := strings.TrimSpace(row.PrimaryDocDesc)
	if title == "" {
		title = strings.TrimSpace(entity + " " + form)
	}

	f := models.Filing{
		Symbol:  symbol,
		Type:    ClassifyForm(form),
		RawType: form,
		FiledAt: filedAt,
		URL:     filingURL(cik, accession, row.PrimaryDocument),
		Title:   title,
		Raw:     raw,
	}
	if err := f.Validate(); err != nil {
		return models.Filing{}, errf(providerEdgar, "filing", "index %d: %v", i, err)
	}
	return f, nil
}

// ClassifyForm folds a reported form into one of the tracked classes.
// Amendments ("10-K/A") classify with their base form.
func ClassifyForm(form string) models.FilingType {
	base := strings.TrimSuffix(strings.ToUpper(strings.TrimSpace(form)), "/A")
	switch base {
	case "10-K":
		return models.FilingTenK
	case "10-Q":
		return models.FilingTenQ
	case "8-K":
		return models.FilingEightK
	}
	return models.FilingOther
}

// filingURL points at the primary document in the EDGAR archive, or
// at the accession directory when no primary document is listed.
func filingURL(cik, accession, primaryDoc string) string {
	accDir := strings.ReplaceAll(accession, "-", "")
	if primaryDoc == "" {
		return fmt.Sprintf("%s/%s/%s/", edgarArchiveBase, cik, accDir)
	}
	return fmt.Sprintf("%s/%s/%s/%s", edgarArchiveBase, cik, accDir, primaryDoc)
}
