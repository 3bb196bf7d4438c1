// Package ingest issues passes for pending rows of a member sheet exported
// as CSV, optionally reporting each outcome back to a webhook.
package ingest

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/sensiblebit/passkit/internal/pass"
)

// Row statuses.
const (
	StatusPending = "PENDING"
	StatusDone    = "DONE"
	StatusError   = "ERROR"
)

// maxCSVSize bounds a fetched sheet.
const maxCSVSize = 32 << 20

// columnAliases maps a canonical column to the header spellings accepted
// for it. Headers are compared lower-cased with underscores removed.
var columnAliases = map[string][]string{
	"fullName": {"fullname"},
	"memberId": {"barcodevalue", "memberid"},
	"email":    {"email"},
	"status":   {"status"},
	"serial":   {"serial", "serialnumber"},
	"tier":     {"tier"},
}

// Row is one normalized sheet row.
type Row struct {
	// Line is the 1-based line number in the CSV, header included.
	Line     int
	FullName string
	MemberID string
	Email    string
	Status   string
	Serial   string
	Tier     string
}

// Pending reports whether the row should be issued.
func (r Row) Pending() bool {
	return r.Status == StatusPending && r.FullName != "" && r.MemberID != ""
}

// Member converts the row for issuance. The serial defaults to
// prefix+memberId.
func (r Row) Member(prefix string) pass.Member {
	serial := r.Serial
	if serial == "" && r.MemberID != "" {
		serial = prefix + r.MemberID
	}
	return pass.Member{
		FullName:     r.FullName,
		MemberID:     r.MemberID,
		SerialNumber: serial,
		Email:        r.Email,
		Tier:         r.Tier,
	}
}

// ParseCSV reads a header row and normalizes every following row. A
// missing status means PENDING.
func ParseCSV(r io.Reader) ([]Row, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading CSV header: %w", err)
	}

	index := make(map[string]int)
	for i, h := range header {
		key := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")), "_", ""))
		for canonical, aliases := range columnAliases {
			for _, alias := range aliases {
				if key == alias {
					if _, seen := index[canonical]; !seen {
						index[canonical] = i
					}
				}
			}
		}
	}
	if _, ok := index["memberId"]; !ok {
		return nil, errors.New("CSV header has no barcode_value or memberId column")
	}

	var rows []Row
	for {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading CSV: %w", err)
		}
		line, _ := cr.FieldPos(0)
		get := func(col string) string {
			i, ok := index[col]
			if !ok || i >= len(record) {
				return ""
			}
			return strings.TrimSpace(record[i])
		}
		row := Row{
			Line:     line,
			FullName: get("fullName"),
			MemberID: get("memberId"),
			Email:    get("email"),
			Status:   strings.ToUpper(get("status")),
			Serial:   get("serial"),
			Tier:     get("tier"),
		}
		if row.Status == "" {
			row.Status = StatusPending
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// Source yields the current sheet contents.
type Source interface {
	Open(ctx context.Context) (io.ReadCloser, error)
}

// FileSource reads the sheet from a local file.
type FileSource struct {
	Path string
}

func (s FileSource) Open(context.Context) (io.ReadCloser, error) {
	f, err := os.Open(s.Path)
	if err != nil {
		return nil, fmt.Errorf("opening CSV %s: %w", s.Path, err)
	}
	return f, nil
}

// URLSource downloads the sheet, such as a published spreadsheet export.
type URLSource struct {
	URL    string
	Client *http.Client
}

func (s URLSource) Open(ctx context.Context) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("building CSV request: %w", err)
	}
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching CSV: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("fetching CSV: HTTP %d", resp.StatusCode)
	}
	return struct {
		io.Reader
		io.Closer
	}{io.LimitReader(resp.Body, maxCSVSize), resp.Body}, nil
}
