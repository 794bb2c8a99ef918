package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/lrstanley/go-ytdlp"
	"github.com/ppalone/ytsearch"
)

// ============================================================================
// Resolver
// ============================================================================

const (
	MsgResolverSearching   = "Searching for: %s"
	MsgResolverExtracting  = "Extracting stream for: %s"
	MsgResolverResolved    = "Resolved %s in %dms"
	MsgResolverSearchFail  = "Search failed for %q: %v"
	MsgResolverExtractFail = "yt-dlp extraction failed: %v, stderr: %s (URL: %s)"

	// Opus-in-webm avoids a transcode when the source already carries it.
	ytdlpAudioFormat = "bestaudio[ext=webm][acodec=opus]/bestaudio/best"

	resolveTimeout = 30 * time.Second
)

var urlRegex = regexp.MustCompile(`^(?i)https?://\S+$`)

// ResolutionError wraps a failure to turn user input into a playable
// track, keeping the original input for the error message shown in chat.
type ResolutionError struct {
	Input string
	Stage string
	Err   error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolving %q (%s): %v", e.Input, e.Stage, e.Err)
}

func (e *ResolutionError) Unwrap() error {
	return e.Err
}

// Resolver turns free-form user input (a URL or a search query) into a
// Track with a direct audio stream URL.
type Resolver struct{}

func NewResolver() *Resolver {
	return &Resolver{}
}

// Resolve classifies the input, searches if it is a bare query, and
// extracts stream metadata via yt-dlp.
func (r *Resolver) Resolve(ctx context.Context, input, requester string) (Track, error) {
	input = strings.TrimSpace(input)

	ctx, cancel := context.WithTimeout(ctx, resolveTimeout)
	defer cancel()

	start := time.Now()

	pageURL := input
	if !urlRegex.MatchString(input) {
		LogResolver(MsgResolverSearching, input)
		u, err := searchFirstResult(ctx, input)
		if err != nil {
			LogResolver(MsgResolverSearchFail, input, err)
			return Track{}, &ResolutionError{Input: input, Stage: "search", Err: err}
		}
		pageURL = u
	}

	LogResolver(MsgResolverExtracting, pageURL)
	info, err := extractTrackInfo(ctx, pageURL)
	if err != nil {
		return Track{}, &ResolutionError{Input: input, Stage: "extract", Err: err}
	}

	streamURL := selectStreamURL(info)
	if streamURL == "" {
		return Track{}, &ResolutionError{Input: input, Stage: "extract", Err: fmt.Errorf("no playable audio format")}
	}

	title := info.Title
	if title == "" {
		title = pageURL
	}

	LogResolver(MsgResolverResolved, title, time.Since(start).Milliseconds())

	return Track{
		Title:     title,
		StreamURL: streamURL,
		PageURL:   pageURL,
		Requester: requester,
		Duration:  formatTrackDuration(info.Duration),
	}, nil
}

// searchFirstResult maps a bare query to the page URL of the top search
// hit. No ranking heuristics, the first result wins.
func searchFirstResult(ctx context.Context, q string) (string, error) {
	c := ytsearch.NewClient(nil)
	res, err := c.Search(ctx, q)
	if err != nil {
		return "", err
	}
	if len(res.Results) == 0 {
		return "", fmt.Errorf("no results for %q", q)
	}
	return "https://www.youtube.com/watch?v=" + res.Results[0].VideoID, nil
}

// trackInfo is the subset of yt-dlp's single-JSON dump we care about.
type trackInfo struct {
	Title    string        `json:"title"`
	URL      string        `json:"url"`
	ACodec   string        `json:"acodec"`
	Duration float64       `json:"duration"`
	Formats  []trackFormat `json:"formats"`
}

type trackFormat struct {
	URL    string `json:"url"`
	ACodec string `json:"acodec"`
	VCodec string `json:"vcodec"`
}

func newYtdlp() (*ytdlp.Command, func()) {
	cmd := ytdlp.New().
		Quiet().
		NoWarnings()

	proxy := os.Getenv(EnvYoutubeProxy)
	if GlobalConfig != nil && GlobalConfig.YoutubeProxy != "" {
		proxy = GlobalConfig.YoutubeProxy
	}
	if proxy != "" {
		cmd.Proxy(proxy)
	}

	return cmd, func() {}
}

func extractTrackInfo(ctx context.Context, pageURL string) (*trackInfo, error) {
	pageURL = strings.Replace(pageURL, "music.youtube.com", "www.youtube.com", 1)

	cmd, cleanup := newYtdlp()
	defer cleanup()

	res, err := cmd.
		Format(ytdlpAudioFormat).
		DumpSingleJSON().
		NoPlaylist().
		NoCheckCertificates().
		IgnoreConfig().
		Run(ctx, pageURL)
	if err != nil {
		stderr := ""
		if res != nil {
			stderr = res.Stderr
		}
		LogResolver(MsgResolverExtractFail, err, stderr, pageURL)
		return nil, err
	}

	var info trackInfo
	if err := json.Unmarshal([]byte(res.Stdout), &info); err != nil {
		return nil, fmt.Errorf("failed to parse metadata: %w", err)
	}
	return &info, nil
}

// selectStreamURL picks a direct audio URL out of the dump. The
// top-level URL is what the format selector chose; fall back to scanning
// formats for an audio-only entry, then to the last format listed.
func selectStreamURL(info *trackInfo) string {
	if info.URL != "" && hasAudioCodec(info.ACodec) {
		return info.URL
	}

	for _, f := range info.Formats {
		if f.URL != "" && hasAudioCodec(f.ACodec) && !hasVideoCodec(f.VCodec) {
			return f.URL
		}
	}

	if n := len(info.Formats); n > 0 {
		return info.Formats[n-1].URL
	}

	return info.URL
}

func hasAudioCodec(acodec string) bool {
	return acodec != "" && acodec != "none"
}

func hasVideoCodec(vcodec string) bool {
	return vcodec != "" && vcodec != "none"
}

// formatTrackDuration renders seconds as M:SS, or H:MM:SS past an hour.
// Live streams and dumps without a duration yield "", which the reply
// formatters take as "omit the duration".
func formatTrackDuration(seconds float64) string {
	total := int(seconds)
	if total <= 0 {
		return ""
	}
	h := total / 3600
	m := (total % 3600) / 60
	s := total % 60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}
