package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// Static errors for version checking
var (
	ErrVersionCheckFailed = errors.New("version check failed")
)

// VersionCheckResult contains the result of checking for updates
type VersionCheckResult struct {
	UpdateAvailable bool
	CurrentVersion  string
	LatestVersion   string
	ReleaseURL      string
	Error           error
}

const (
	versionCheckTimeout = 5 * time.Second
	cacheExpiry         = 24 * time.Hour // Cache version check for 24 hours
)

// releaseAPIURL is the GitHub latest-release endpoint, a variable so tests can point it at a fake
var releaseAPIURL = "https://api.github.com/repos/airframesio/model-diff/releases/latest"

// checkForUpdates queries GitHub for the latest release and compares it with currentVersion.
// Failures are reported in the result, never returned.
func checkForUpdates(ctx context.Context, currentVersion string) VersionCheckResult {
	result := VersionCheckResult{
		CurrentVersion: currentVersion,
	}

	// Skip version check for development builds
	if currentVersion == "dev" || currentVersion == "" {
		return result
	}

	if cached := getVersionCheckCache(); cached != nil && time.Since(cached.Timestamp) < cacheExpiry {
		return VersionCheckResult{
			UpdateAvailable: compareVersions(cached.LatestVersion, strings.TrimPrefix(currentVersion, "v")) > 0,
			CurrentVersion:  currentVersion,
			LatestVersion:   cached.LatestVersion,
			ReleaseURL:      cached.ReleaseURL,
		}
	}

	latest, url, err := fetchLatestRelease(ctx, currentVersion)
	if err != nil {
		result.Error = err
		return result
	}
	result.LatestVersion = latest
	result.ReleaseURL = url
	result.UpdateAvailable = compareVersions(latest, strings.TrimPrefix(currentVersion, "v")) > 0

	saveVersionCheckCache(VersionCheckCache{
		LatestVersion: latest,
		ReleaseURL:    url,
		Timestamp:     time.Now(),
	})

	return result
}

// fetchLatestRelease returns the latest release version without its "v" prefix and its page URL
func fetchLatestRelease(ctx context.Context, currentVersion string) (string, string, error) {
	client := &http.Client{
		Timeout: versionCheckTimeout,
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, releaseAPIURL, nil)
	if err != nil {
		return "", "", fmt.Errorf("failed to create request: %w", err)
	}
	// GitHub API requires a User-Agent
	req.Header.Set("User-Agent", fmt.Sprintf("model-diff/%s", currentVersion))
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := client.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("failed to fetch latest release: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("%w: status %d", ErrVersionCheckFailed, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", "", fmt.Errorf("failed to read response: %w", err)
	}
	if !gjson.ValidBytes(body) {
		return "", "", fmt.Errorf("%w: invalid JSON response", ErrVersionCheckFailed)
	}

	release := gjson.GetManyBytes(body, "tag_name", "html_url", "draft", "prerelease")
	if release[2].Bool() || release[3].Bool() {
		return "", "", fmt.Errorf("%w: latest release is not a final release", ErrVersionCheckFailed)
	}
	tag := release[0].String()
	if tag == "" {
		return "", "", fmt.Errorf("%w: release has no tag", ErrVersionCheckFailed)
	}

	return strings.TrimPrefix(tag, "v"), release[1].String(), nil
}

// compareVersions compares two semantic version strings
// Returns: 1 if v1 > v2, -1 if v1 < v2, 0 if equal
func compareVersions(v1, v2 string) int {
	parts1 := parseVersion(v1)
	parts2 := parseVersion(v2)

	for i := 0; i < 3; i++ {
		if parts1[i] > parts2[i] {
			return 1
		}
		if parts1[i] < parts2[i] {
			return -1
		}
	}
	return 0
}

// parseVersion parses a semantic version string into [major, minor, patch], ignoring any
// pre-release or build suffix
func parseVersion(version string) [3]int {
	var parts [3]int
	if i := strings.IndexAny(version, "-+"); i >= 0 {
		version = version[:i]
	}
	components := strings.Split(version, ".")

	for i := 0; i < 3 && i < len(components); i++ {
		var num int
		_, _ = fmt.Sscanf(components[i], "%d", &num)
		parts[i] = num
	}

	return parts
}

// VersionCheckCache represents cached version check data
type VersionCheckCache struct {
	LatestVersion string    `json:"latest_version"`
	ReleaseURL    string    `json:"release_url"`
	Timestamp     time.Time `json:"timestamp"`
}

func getVersionCheckCachePath() string {
	return filepath.Join(GetStateDir(), "version_check.json")
}

func getVersionCheckCache() *VersionCheckCache {
	data, err := os.ReadFile(getVersionCheckCachePath())
	if err != nil {
		return nil
	}

	var cache VersionCheckCache
	if err := json.Unmarshal(data, &cache); err != nil {
		return nil
	}

	return &cache
}

func saveVersionCheckCache(cache VersionCheckCache) {
	path := getVersionCheckCachePath()
	_ = os.MkdirAll(filepath.Dir(path), 0o755)

	data, err := json.Marshal(cache)
	if err != nil {
		return
	}

	_ = os.WriteFile(path, data, 0o600)
}

// formatUpdateMessage creates a user-friendly update notification message
func formatUpdateMessage(result VersionCheckResult) string {
	return fmt.Sprintf("Update available: v%s → v%s (visit %s)",
		result.CurrentVersion,
		result.LatestVersion,
		result.ReleaseURL,
	)
}
