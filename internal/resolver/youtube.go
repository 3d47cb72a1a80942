package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/auxqueue/server/pkg/models"
	redisx "github.com/auxqueue/server/pkg/redis"
)

const defaultOEmbedEndpoint = "https://www.youtube.com/oembed"

var (
	shortLinkRe = regexp.MustCompile(`youtu\.be/([a-zA-Z0-9_-]+)`)
	videoIDRe   = regexp.MustCompile(`(?:v=|/)([0-9A-Za-z_-]{11})`)
	trackingRe  = regexp.MustCompile(`[&?](?:si|t|feature|list)=[^&]*`)
	domainRe    = regexp.MustCompile(`(youtube\.com|youtu\.be)`)
)

// YouTubeResolver resolves YouTube URLs into track descriptors via the oEmbed
// endpoint. The video id doubles as the canonical id. Resolved descriptors
// are cached in Redis keyed by video id.
type YouTubeResolver struct {
	endpoint   string
	httpClient *http.Client
	cache      *redisx.Cache
	logger     *zap.Logger
}

// NewYouTubeResolver creates a resolver. cache may be nil to disable caching.
func NewYouTubeResolver(cache *redisx.Cache, logger *zap.Logger) *YouTubeResolver {
	return &YouTubeResolver{
		endpoint:   defaultOEmbedEndpoint,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		cache:      cache,
		logger:     logger,
	}
}

type oEmbedResponse struct {
	Title        string `json:"title"`
	AuthorName   string `json:"author_name"`
	ThumbnailURL string `json:"thumbnail_url"`
}

func (r *YouTubeResolver) Resolve(ctx context.Context, sourceRef string) (*Descriptor, error) {
	watchURL, err := CleanURL(sourceRef)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrResolutionFailed, err)
	}

	videoID := ExtractVideoID(watchURL)
	if videoID == "" {
		return nil, fmt.Errorf("%w: no video id in %q", ErrResolutionFailed, sourceRef)
	}

	if r.cache != nil {
		var cached Descriptor
		if err := r.cache.GetResolved(ctx, videoID, &cached); err == nil {
			return &cached, nil
		}
	}

	meta, err := r.fetchOEmbed(ctx, watchURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrResolutionFailed, err)
	}

	descriptor := &Descriptor{
		Title:       meta.Title,
		SourceKind:  models.SourceYouTube,
		SourceURL:   watchURL,
		PlaybackURL: watchURL,
		CanonicalID: videoID,
	}

	if r.cache != nil {
		if err := r.cache.SetResolved(ctx, videoID, descriptor); err != nil {
			r.logger.Warn("failed to cache resolved track", zap.String("video_id", videoID), zap.Error(err))
		}
	}

	return descriptor, nil
}

func (r *YouTubeResolver) fetchOEmbed(ctx context.Context, watchURL string) (*oEmbedResponse, error) {
	u := fmt.Sprintf("%s?url=%s&format=json", r.endpoint, url.QueryEscape(watchURL))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("oembed returned status %d", resp.StatusCode)
	}

	var meta oEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

// CleanURL normalizes YouTube URL input: trims whitespace, adds a scheme,
// rewrites youtu.be short links and strips tracking parameters.
func CleanURL(raw string) (string, error) {
	cleaned := strings.TrimSpace(raw)
	if cleaned == "" {
		return "", fmt.Errorf("empty url")
	}

	if !strings.HasPrefix(cleaned, "http://") && !strings.HasPrefix(cleaned, "https://") {
		cleaned = "https://" + cleaned
	}

	cleaned = shortLinkRe.ReplaceAllString(cleaned, "youtube.com/watch?v=$1")
	cleaned = trackingRe.ReplaceAllString(cleaned, "")

	if !domainRe.MatchString(cleaned) {
		return "", fmt.Errorf("not a youtube url: %q", raw)
	}
	return cleaned, nil
}

// ExtractVideoID pulls the 11-character video id out of a YouTube URL, or
// returns "" when none is present.
func ExtractVideoID(u string) string {
	match := videoIDRe.FindStringSubmatch(u)
	if match == nil {
		return ""
	}
	return match[1]
}
