/**
 * Tesseract token summary - local pre-scan of page 1
 *
 * Runs free, offline OCR over the first page and extracts candidate label
 * and number tokens. The summary is only a hint to the observation
 * provider; when Tesseract is unavailable or fails, the pipeline proceeds
 * without it.
 */

package observation

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/otiai10/gosseract/v2"

	"github.com/planlens/guidepipeline-worker/internal/logging"
)

var (
	labelLinePattern  = regexp.MustCompile(`^[A-Z][A-Z /&.\-]{2,}$`)
	numberLinePattern = regexp.MustCompile(`^\d{2,4}$`)
)

// TokenScanner produces TokenSummary hints from page images
type TokenScanner struct {
	tesseractPath string
	logger        *logging.Logger
}

// NewTokenScanner creates a scanner backed by local Tesseract
func NewTokenScanner(tesseractPath string) *TokenScanner {
	if tesseractPath == "" {
		tesseractPath = "/usr/bin/tesseract"
	}
	return &TokenScanner{
		tesseractPath: tesseractPath,
		logger:        logging.NewLogger("TokenScanner"),
	}
}

// Summarize OCRs the page and returns candidate tokens. Returns nil on
// any failure; callers treat a missing summary as "no hints".
func (s *TokenScanner) Summarize(ctx context.Context, imageData []byte) *TokenSummary {
	startTime := time.Now()

	if ctx.Err() != nil {
		return nil
	}

	client := gosseract.NewClient()
	defer client.Close()

	if err := client.SetImageFromBytes(imageData); err != nil {
		s.logger.Warn("Tesseract could not read page image", "error", err)
		return nil
	}

	text, err := client.Text()
	if err != nil {
		s.logger.Warn("Tesseract OCR failed, continuing without token summary", "error", err)
		return nil
	}

	summary := summarizeText(text)

	s.logger.Info("Token summary complete",
		"labelCandidates", len(summary.LabelCandidates),
		"numberCandidates", len(summary.NumberCandidates),
		"totalLines", summary.TotalLines,
		"duration", time.Since(startTime))

	return summary
}

// summarizeText classifies OCR lines into label and number candidates
func summarizeText(text string) *TokenSummary {
	summary := &TokenSummary{}

	seenLabels := make(map[string]bool)
	seenNumbers := make(map[string]bool)

	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		summary.TotalLines++

		switch {
		case numberLinePattern.MatchString(line):
			if !seenNumbers[line] {
				seenNumbers[line] = true
				summary.NumberCandidates = append(summary.NumberCandidates, line)
			}
		case labelLinePattern.MatchString(line):
			if !seenLabels[line] {
				seenLabels[line] = true
				summary.LabelCandidates = append(summary.LabelCandidates, line)
			}
		}
	}

	return summary
}
