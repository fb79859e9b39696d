package cache

// Stats holds cache performance metrics.
type Stats struct {
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	Evictions int64   `json:"evictions"`
	Entries   int     `json:"entries"`
	HitRate   float64 `json:"hit_rate"`
}

// LayerStats aggregates stats from the two caching layers for the admin API.
type LayerStats struct {
	PreparedSpecs  Stats `json:"prepared_specs"`
	WorkspaceTools Stats `json:"workspace_tools"`
}
