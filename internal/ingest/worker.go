package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sensiblebit/passkit/internal/issuance"
	"github.com/sensiblebit/passkit/internal/pass"
)

const (
	defaultConcurrency = 4
	maxResponseBody    = 1 << 20
)

// Issued identifies a pass produced for a row.
type Issued struct {
	Serial string
	URL    string
}

// Issuer issues one member's pass.
type Issuer interface {
	IssuePass(ctx context.Context, m pass.Member) (Issued, error)
}

// ServiceIssuer issues passes in-process.
type ServiceIssuer struct {
	Service *issuance.Service
}

func (i ServiceIssuer) IssuePass(ctx context.Context, m pass.Member) (Issued, error) {
	res, err := i.Service.Issue(ctx, m)
	if err != nil {
		return Issued{}, err
	}
	if res.Delivery.Status == issuance.DeliveryFailed {
		return Issued{Serial: res.Serial, URL: res.URL}, fmt.Errorf("pass issued but %s delivery failed: %s", res.Delivery.Mode, res.Delivery.Error)
	}
	return Issued{Serial: res.Serial, URL: res.URL}, nil
}

// APIIssuer issues passes through a remote POST /passes endpoint.
type APIIssuer struct {
	URL        string
	AdminToken string
	Client     *http.Client
}

type apiResponse struct {
	OK           bool   `json:"ok"`
	URL          string `json:"url"`
	SerialNumber string `json:"serialNumber"`
	Error        string `json:"error"`
	Delivery     *struct {
		Mode   string `json:"mode"`
		Status string `json:"status"`
		Error  string `json:"error"`
	} `json:"delivery"`
}

func (i APIIssuer) IssuePass(ctx context.Context, m pass.Member) (Issued, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return Issued{}, fmt.Errorf("encoding member: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, i.URL, bytes.NewReader(body))
	if err != nil {
		return Issued{}, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if i.AdminToken != "" {
		req.Header.Set("X-Admin-Token", i.AdminToken)
	}

	client := i.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return Issued{}, fmt.Errorf("calling issuance API: %w", err)
	}
	defer resp.Body.Close()

	var out apiResponse
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return Issued{}, fmt.Errorf("reading issuance response: %w", err)
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return Issued{}, fmt.Errorf("issuance API HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if resp.StatusCode != http.StatusOK || !out.OK {
		if out.Error == "" {
			out.Error = http.StatusText(resp.StatusCode)
		}
		return Issued{}, fmt.Errorf("issuance API HTTP %d: %s", resp.StatusCode, out.Error)
	}
	issued := Issued{Serial: out.SerialNumber, URL: out.URL}
	if out.Delivery != nil && out.Delivery.Status == issuance.DeliveryFailed {
		return issued, fmt.Errorf("pass issued but %s delivery failed: %s", out.Delivery.Mode, out.Delivery.Error)
	}
	return issued, nil
}

// Writeback is the payload posted for every processed row.
type Writeback struct {
	BarcodeValue string `json:"barcode_value"`
	PassURL      string `json:"pass_url,omitempty"`
	Status       string `json:"status"`
	Serial       string `json:"serial,omitempty"`
	SentAt       string `json:"sent_at,omitempty"`
	Error        string `json:"error,omitempty"`
}

// Summary counts the outcome of one pass over the sheet.
type Summary struct {
	Rows    int
	Pending int
	Done    int
	Failed  int
	Skipped int
}

// Options configure a Worker.
type Options struct {
	Source       Source
	Issuer       Issuer
	SerialPrefix string
	Concurrency  int
	// WritebackURL receives a Writeback for every processed row when set.
	WritebackURL string
	Client       *http.Client
	Logger       *slog.Logger
}

// Worker processes pending rows.
type Worker struct {
	opts Options
	now  func() time.Time

	// completed holds serials issued by this worker, so a sheet that has
	// not caught up with the write-back is not issued twice.
	mu        sync.Mutex
	completed map[string]struct{}
}

// NewWorker creates a worker.
func NewWorker(opts Options) *Worker {
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	if opts.SerialPrefix == "" {
		opts.SerialPrefix = pass.DefaultSerialPrefix
	}
	if opts.Client == nil {
		opts.Client = http.DefaultClient
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Worker{opts: opts, now: time.Now, completed: make(map[string]struct{})}
}

// RunOnce reads the sheet and issues every pending row with bounded
// concurrency. Row failures are counted, not returned; the error reports
// only a sheet that could not be read.
func (w *Worker) RunOnce(ctx context.Context) (Summary, error) {
	rc, err := w.opts.Source.Open(ctx)
	if err != nil {
		return Summary{}, err
	}
	rows, err := ParseCSV(rc)
	rc.Close()
	if err != nil {
		return Summary{}, err
	}

	summary := Summary{Rows: len(rows)}
	var pending []Row
	for _, row := range rows {
		if !row.Pending() {
			continue
		}
		if w.isCompleted(row.Member(w.opts.SerialPrefix).SerialNumber) {
			summary.Skipped++
			continue
		}
		pending = append(pending, row)
	}
	summary.Pending = len(pending)
	if len(pending) == 0 {
		w.opts.Logger.Info("no pending rows", "rows", len(rows))
		return summary, nil
	}
	w.opts.Logger.Info("processing pending rows", "pending", len(pending))

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(w.opts.Concurrency)
	for _, row := range pending {
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			ok := w.process(ctx, row)
			mu.Lock()
			if ok {
				summary.Done++
			} else {
				summary.Failed++
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return summary, ctx.Err()
}

func (w *Worker) process(ctx context.Context, row Row) bool {
	m := row.Member(w.opts.SerialPrefix)
	issued, err := w.opts.Issuer.IssuePass(ctx, m)
	if err != nil && issued.Serial == "" {
		w.opts.Logger.Error("row failed", "line", row.Line, "member_id", row.MemberID, "error", err)
		w.writeback(ctx, Writeback{BarcodeValue: row.MemberID, Status: StatusError, Serial: m.SerialNumber, Error: err.Error()})
		return false
	}

	w.markCompleted(issued.Serial)
	wb := Writeback{
		BarcodeValue: row.MemberID,
		PassURL:      issued.URL,
		Status:       StatusDone,
		Serial:       issued.Serial,
		SentAt:       w.now().UTC().Format(time.RFC3339),
	}
	if err != nil {
		// Issued but not delivered; the row is done and carries the error.
		wb.Error = err.Error()
		w.opts.Logger.Warn("row issued with delivery failure", "line", row.Line, "serial", issued.Serial, "error", err)
	} else {
		w.opts.Logger.Info("row issued", "line", row.Line, "serial", issued.Serial, "url", issued.URL)
	}
	w.writeback(ctx, wb)
	return true
}

func (w *Worker) writeback(ctx context.Context, wb Writeback) {
	if w.opts.WritebackURL == "" {
		return
	}
	if err := postWriteback(ctx, w.opts.Client, w.opts.WritebackURL, wb); err != nil {
		w.opts.Logger.Warn("write-back failed", "member_id", wb.BarcodeValue, "error", err)
	}
}

func postWriteback(ctx context.Context, client *http.Client, url string, wb Writeback) error {
	body, err := json.Marshal(wb)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBody))
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("write-back HTTP %d", resp.StatusCode)
	}
	return nil
}

// Watch runs RunOnce immediately and then every interval until ctx is
// cancelled. Sheet read failures are logged and retried on the next tick.
func (w *Worker) Watch(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return errors.New("watch interval must be positive")
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := w.RunOnce(ctx); err != nil && ctx.Err() == nil {
			w.opts.Logger.Error("ingest pass failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (w *Worker) isCompleted(serial string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.completed[serial]
	return ok
}

func (w *Worker) markCompleted(serial string) {
	w.mu.Lock()
	w.completed[serial] = struct{}{}
	w.mu.Unlock()
}
