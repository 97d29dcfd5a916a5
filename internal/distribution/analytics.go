package distribution

import (
	"context"
	"sort"

	"storykeep.org/internal/ownership"
)

const topDomainLimit = 10

// PlatformStats aggregates the distributions of one platform.
type PlatformStats struct {
	Count  int   `json:"count"`
	Views  int64 `json:"views"`
	Active int   `json:"active"`
}

// Map is the aggregated view of where a story has been shared.
type Map struct {
	StoryID       string                               `json:"story_id"`
	Total         int                                  `json:"total_distributions"`
	Active        int                                  `json:"active_distributions"`
	Revoked       int                                  `json:"revoked_distributions"`
	TotalViews    int64                                `json:"total_views"`
	ByPlatform    map[ownership.Platform]PlatformStats `json:"by_platform"`
	Distributions []ownership.Distribution             `json:"distributions"`
}

// DomainViews counts embed views for one domain.
type DomainViews struct {
	Domain string `json:"domain"`
	Views  int64  `json:"views"`
}

// Analytics summarises engagement across a story's distributions.
type Analytics struct {
	StoryID         string                       `json:"story_id"`
	TotalViews      int64                        `json:"total_views"`
	TotalClicks     int64                        `json:"total_clicks"`
	ViewsByPlatform map[ownership.Platform]int64 `json:"views_by_platform"`
	TopDomains      []DomainViews                `json:"top_domains"`
}

var allPlatforms = []ownership.Platform{
	ownership.PlatformEmbed, ownership.PlatformTwitter, ownership.PlatformFacebook,
	ownership.PlatformLinkedIn, ownership.PlatformWebsite, ownership.PlatformBlog,
	ownership.PlatformAPI, ownership.PlatformRSS, ownership.PlatformNewsletter,
	ownership.PlatformCustom,
}

// DistributionMap returns per-platform counts for a story owned by actorID.
func (r *Registry) DistributionMap(ctx context.Context, storyID, actorID string) (Map, error) {
	ds, err := r.List(ctx, storyID, actorID)
	if err != nil {
		return Map{}, err
	}
	return BuildMap(storyID, ds), nil
}

// Analytics returns view and click aggregates for a story owned by actorID.
func (r *Registry) Analytics(ctx context.Context, storyID, actorID string) (Analytics, error) {
	ds, err := r.List(ctx, storyID, actorID)
	if err != nil {
		return Analytics{}, err
	}
	return BuildAnalytics(storyID, ds), nil
}

// BuildMap aggregates ds. Every known platform is present in ByPlatform.
func BuildMap(storyID string, ds []ownership.Distribution) Map {
	m := Map{
		StoryID:       storyID,
		Total:         len(ds),
		ByPlatform:    make(map[ownership.Platform]PlatformStats, len(allPlatforms)),
		Distributions: ds,
	}
	if m.Distributions == nil {
		m.Distributions = []ownership.Distribution{}
	}
	for _, p := range allPlatforms {
		m.ByPlatform[p] = PlatformStats{}
	}
	for _, d := range ds {
		stats := m.ByPlatform[d.Platform]
		stats.Count++
		stats.Views += d.ViewCount
		switch d.Status {
		case ownership.DistributionActive:
			stats.Active++
			m.Active++
		case ownership.DistributionRevoked:
			m.Revoked++
		}
		m.ByPlatform[d.Platform] = stats
		m.TotalViews += d.ViewCount
	}
	return m
}

// BuildAnalytics aggregates ds. TopDomains covers embed distributions only, highest views first.
func BuildAnalytics(storyID string, ds []ownership.Distribution) Analytics {
	a := Analytics{
		StoryID:         storyID,
		ViewsByPlatform: make(map[ownership.Platform]int64),
		TopDomains:      []DomainViews{},
	}
	domains := make(map[string]int64)
	for _, d := range ds {
		a.TotalViews += d.ViewCount
		a.TotalClicks += d.ClickCount
		a.ViewsByPlatform[d.Platform] += d.ViewCount
		if d.Platform == ownership.PlatformEmbed && d.EmbedDomain != "" {
			domains[d.EmbedDomain] += d.ViewCount
		}
	}
	for domain, views := range domains {
		a.TopDomains = append(a.TopDomains, DomainViews{Domain: domain, Views: views})
	}
	sort.Slice(a.TopDomains, func(i, j int) bool {
		if a.TopDomains[i].Views != a.TopDomains[j].Views {
			return a.TopDomains[i].Views > a.TopDomains[j].Views
		}
		return a.TopDomains[i].Domain < a.TopDomains[j].Domain
	})
	if len(a.TopDomains) > topDomainLimit {
		a.TopDomains = a.TopDomains[:topDomainLimit]
	}
	return a
}
