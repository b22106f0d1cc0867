package scanner

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	// Public API quota.
	VTRequestsPerMinute = 4
	VTRequestsPerDay    = 500

	DefaultVTBaseURL = "https://www.virustotal.com/api/v3"
)

// vtFileReport is the part of /files/{hash} we read
type vtFileReport struct {
	Data struct {
		ID         string `json:"id"`
		Attributes struct {
			LastAnalysisStats struct {
				Malicious  int `json:"malicious"`
				Suspicious int `json:"suspicious"`
				Harmless   int `json:"harmless"`
				Undetected int `json:"undetected"`
			} `json:"last_analysis_stats"`
			PopularThreatClassification struct {
				SuggestedThreatLabel string `json:"suggested_threat_label"`
			} `json:"popular_threat_classification"`
		} `json:"attributes"`
	} `json:"data"`
}

// VirusTotalDelegate looks a file's SHA-256 up in VirusTotal. Files are never
// uploaded.
type VirusTotalDelegate struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	perMinute  *rate.Limiter
	perDay     *rate.Limiter
}

// NewVirusTotalDelegate creates a hash-lookup delegate. perMinute <= 0 uses
// the public quota.
func NewVirusTotalDelegate(apiKey, baseURL string, perMinute int) *VirusTotalDelegate {
	if baseURL == "" {
		baseURL = DefaultVTBaseURL
	}
	if perMinute <= 0 {
		perMinute = VTRequestsPerMinute
	}
	return &VirusTotalDelegate{
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
		perMinute:  rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute),
		perDay:     rate.NewLimiter(rate.Every(24*time.Hour/VTRequestsPerDay), VTRequestsPerDay),
	}
}

func (vt *VirusTotalDelegate) Name() string { return "virustotal" }

// Classify hashes path and fetches its report
func (vt *VirusTotalDelegate) Classify(ctx context.Context, path string) Verdict {
	if vt.apiKey == "" {
		return Verdict{Outcome: ScanUnavailable, Detail: "VirusTotal API key is not configured"}
	}

	hash, err := CalculateFileHash(path)
	if err != nil {
		return Verdict{Outcome: Indeterminate, Detail: fmt.Sprintf("failed to hash file: %v", err)}
	}

	if !vt.perDay.Allow() {
		return Verdict{Outcome: Indeterminate, Detail: "daily VirusTotal quota exhausted"}
	}
	if err := vt.perMinute.Wait(ctx); err != nil {
		return Verdict{Outcome: Indeterminate, Detail: fmt.Sprintf("rate limited: %v", err)}
	}

	report, status, err := vt.fileReport(ctx, hash)
	switch {
	case err != nil:
		return Verdict{Outcome: Indeterminate, Detail: err.Error()}
	case status == http.StatusNotFound:
		return Verdict{Outcome: Indeterminate, Detail: "hash " + hash + " unknown to VirusTotal"}
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return Verdict{Outcome: ScanUnavailable, Detail: fmt.Sprintf("VirusTotal rejected the API key (%d)", status)}
	case status != http.StatusOK:
		return Verdict{Outcome: Indeterminate, Detail: fmt.Sprintf("VirusTotal returned status %d", status)}
	}

	stats := report.Data.Attributes.LastAnalysisStats
	if stats.Malicious > 0 {
		detail := fmt.Sprintf("%d engines flagged %s", stats.Malicious, hash)
		if label := report.Data.Attributes.PopularThreatClassification.SuggestedThreatLabel; label != "" {
			detail = label + ": " + detail
		}
		return Verdict{Outcome: Threat, Detail: detail}
	}
	return Verdict{Outcome: Benign, Detail: hash}
}

func (vt *VirusTotalDelegate) fileReport(ctx context.Context, hash string) (*vtFileReport, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, vt.baseURL+"/files/"+hash, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("x-apikey", vt.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := vt.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, resp.StatusCode, nil
	}

	var report vtFileReport
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to parse response: %w", err)
	}
	return &report, resp.StatusCode, nil
}

// CalculateFileHash calculates the SHA256 hash of a file
func CalculateFileHash(filePath string) (string, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return "", err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return "", err
	}
	if info.IsDir() {
		return "", errors.New("path is a directory")
	}

	hasher := sha256.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return "", err
	}

	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// Close releases idle connections
func (vt *VirusTotalDelegate) Close() error {
	vt.httpClient.CloseIdleConnections()
	return nil
}
