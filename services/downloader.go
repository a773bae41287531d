package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"omics-oracle/models"
)

const browserUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

const (
	minPDFBytes        = 10 * 1024
	defaultMaxPDFBytes = 200 * 1024 * 1024
	maxAttempts        = 3
	initialBackoff     = 2 * time.Second
)

// Downloader lädt PDF-Kandidaten herunter, validiert sie und legt sie
// atomar unter <sha256-der-url>.pdf ab.
type Downloader struct {
	Logger   *zap.Logger
	Client   *http.Client
	BaseDir  string
	MaxBytes int64

	// Sleep ist in Tests injizierbar
	Sleep func(ctx context.Context, d time.Duration) error
}

// NewDownloader erstellt einen Downloader mit Browser-User-Agent.
func NewDownloader(logger *zap.Logger, baseDir string, maxBytes int64) *Downloader {
	if maxBytes <= 0 {
		maxBytes = defaultMaxPDFBytes
	}
	return &Downloader{
		Logger: logger,
		Client: &http.Client{
			Timeout: 120 * time.Second,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return fmt.Errorf("zu viele Redirects")
				}
				return nil
			},
		},
		BaseDir:  baseDir,
		MaxBytes: maxBytes,
		Sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Download arbeitet die Kandidaten-Kette ab, bis ein Download gelingt.
// Kandidaten mit requires_manual_auth werden übersprungen.
func (d *Downloader) Download(ctx context.Context, it *CandidateIterator) *models.DownloadReport {
	report := &models.DownloadReport{}

	for {
		cand, ok := it.Next(ctx)
		if !ok {
			break
		}
		if cand.RequiresManualAuth {
			continue
		}

		attempt := d.tryCandidate(ctx, cand)
		report.Attempts = append(report.Attempts, attempt)
		if attempt.Success {
			report.Success = true
			report.FinalURL = cand.URL
			report.Kind = cand.Kind
			report.LocalPath = attempt.LocalPath
			report.Bytes = attempt.Bytes
			return report
		}
		if ctx.Err() != nil {
			break
		}
	}
	return report
}

// tryCandidate lädt eine einzelne URL mit bis zu drei Versuchen und
// exponentiellem Backoff ab 2s.
func (d *Downloader) tryCandidate(ctx context.Context, cand models.AccessURL) models.AttemptReport {
	attempt := models.AttemptReport{URL: cand.URL, Kind: cand.Kind}
	backoff := initialBackoff

	var lastErr error
	for try := 1; try <= maxAttempts; try++ {
		attempt.Attempts = try
		start := time.Now()
		path, size, retryAfter, err := d.fetchOne(ctx, cand.URL)
		attempt.LatencyMS = time.Since(start).Milliseconds()
		if err == nil {
			attempt.Success = true
			attempt.Bytes = size
			attempt.LocalPath = path
			return attempt
		}
		lastErr = err
		d.Logger.Debug("Download-Versuch fehlgeschlagen",
			zap.String("url", cand.URL), zap.Int("attempt", try), zap.Error(err))

		if ctx.Err() != nil || !isRetryableDownload(err) {
			break
		}
		wait := backoff
		if retryAfter > 0 {
			wait = retryAfter
		}
		if try < maxAttempts {
			if d.Sleep(ctx, wait) != nil {
				break
			}
			backoff *= 2
		}
	}
	if lastErr != nil {
		attempt.Error = lastErr.Error()
	}
	return attempt
}

type downloadError struct {
	msg       string
	retryable bool
}

func (e *downloadError) Error() string { return e.msg }

func isRetryableDownload(err error) bool {
	if de, ok := err.(*downloadError); ok {
		return de.retryable
	}
	return true // Transportfehler gelten als transient
}

// fetchOne streamt eine URL in eine Temp-Datei, validiert Magic-Bytes
// und Größe, und benennt atomar um.
func (d *Downloader) fetchOne(ctx context.Context, rawURL string) (path string, size int64, retryAfter time.Duration, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", 0, 0, &downloadError{msg: err.Error(), retryable: false}
	}
	req.Header.Set("User-Agent", browserUserAgent)
	req.Header.Set("Accept", "application/pdf,*/*")

	resp, err := d.Client.Do(req)
	if err != nil {
		return "", 0, 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		ra := time.Duration(0)
		if secs, convErr := strconv.Atoi(resp.Header.Get("Retry-After")); convErr == nil {
			ra = time.Duration(secs) * time.Second
		}
		return "", 0, ra, &downloadError{msg: "rate limited (429)", retryable: true}
	}
	if resp.StatusCode != http.StatusOK {
		retryable := resp.StatusCode >= 500
		return "", 0, 0, &downloadError{
			msg:       fmt.Sprintf("unerwarteter Status %d", resp.StatusCode),
			retryable: retryable,
		}
	}

	// Die ersten 5 Bytes entscheiden: PDF oder nicht
	header := make([]byte, 5)
	n, readErr := io.ReadFull(resp.Body, header)
	if readErr != nil && readErr != io.ErrUnexpectedEOF {
		return "", 0, 0, readErr
	}
	// Content-Type kann Parameter tragen ("application/pdf; charset=...")
	isPDF := string(header[:n]) == "%PDF-" ||
		strings.HasPrefix(resp.Header.Get("Content-Type"), "application/pdf")
	if !isPDF {
		return "", 0, 0, &downloadError{msg: "kein PDF (weder Magic-Bytes noch Content-Type)", retryable: false}
	}

	if err := os.MkdirAll(d.BaseDir, 0o755); err != nil {
		return "", 0, 0, &downloadError{msg: err.Error(), retryable: false}
	}
	finalPath := filepath.Join(d.BaseDir, hashName(rawURL))
	tmp, err := os.CreateTemp(d.BaseDir, ".download-*.tmp")
	if err != nil {
		return "", 0, 0, &downloadError{msg: err.Error(), retryable: false}
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpPath)
	}

	if _, err := tmp.Write(header[:n]); err != nil {
		cleanup()
		return "", 0, 0, err
	}
	written, err := io.Copy(tmp, io.LimitReader(resp.Body, d.MaxBytes))
	if err != nil {
		cleanup()
		return "", 0, 0, err
	}
	total := written + int64(n)

	switch {
	case total < minPDFBytes:
		cleanup()
		return "", 0, 0, &downloadError{msg: fmt.Sprintf("zu klein (%d bytes)", total), retryable: false}
	case total >= d.MaxBytes:
		cleanup()
		return "", 0, 0, &downloadError{msg: "max_pdf_bytes überschritten", retryable: false}
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return "", 0, 0, err
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return "", 0, 0, err
	}

	abs, err := filepath.Abs(finalPath)
	if err != nil {
		abs = finalPath
	}
	d.Logger.Info("PDF gespeichert", zap.String("path", abs), zap.Int64("bytes", total))
	return abs, total, 0, nil
}

func hashName(rawURL string) string {
	sum := sha256.Sum256([]byte(rawURL))
	return hex.EncodeToString(sum[:]) + ".pdf"
}
