package auction

import "github.com/sealedbid/auctionengine/internal/domain"

const (
	minRoundDurationMs   = 5_000
	maxRoundDurationMs   = 3_600_000
	maxAntiSnipeWindowMs = 60_000
	maxAntiSnipeExtendMs = 60_000
	maxDurationCeilingMs = 7 * 24 * 3_600_000
	maxEmptyRoundsCeil   = 10_000
)

// clampConfig applies the bounds from spec §6 on auction creation. Any zero
// value in cfg falls back to the default before clamping, so callers may
// submit a partial config.
func clampConfig(cfg domain.AuctionConfig, totalQuantity int64) domain.AuctionConfig {
	def := domain.DefaultAuctionConfig()

	if cfg.RoundDurationMs == 0 {
		cfg.RoundDurationMs = def.RoundDurationMs
	}
	if cfg.WinnersPerRound == 0 {
		cfg.WinnersPerRound = def.WinnersPerRound
	}
	if cfg.AntiSnipeWindowMs == 0 {
		cfg.AntiSnipeWindowMs = def.AntiSnipeWindowMs
	}
	if cfg.AntiSnipeExtendMs == 0 {
		cfg.AntiSnipeExtendMs = def.AntiSnipeExtendMs
	}
	if cfg.MaxConsecutiveEmptyRounds == 0 {
		cfg.MaxConsecutiveEmptyRounds = def.MaxConsecutiveEmptyRounds
	}

	cfg.RoundDurationMs = clampInt64(cfg.RoundDurationMs, minRoundDurationMs, maxRoundDurationMs)
	cfg.WinnersPerRound = clampInt64(cfg.WinnersPerRound, 1, maxInt64(totalQuantity, 1))
	cfg.AntiSnipeWindowMs = clampInt64(cfg.AntiSnipeWindowMs, 0, maxAntiSnipeWindowMs)
	cfg.AntiSnipeExtendMs = clampInt64(cfg.AntiSnipeExtendMs, 0, maxAntiSnipeExtendMs)
	cfg.MaxDurationMs = clampInt64(cfg.MaxDurationMs, 0, maxDurationCeilingMs)
	cfg.MaxConsecutiveEmptyRounds = clampInt64(cfg.MaxConsecutiveEmptyRounds, 0, maxEmptyRoundsCeil)

	// maxWinsPerUser is reserved — always forced to 1, never consulted. See
	// DESIGN.md Open Question decisions.
	cfg.MaxWinsPerUser = 1

	return cfg
}

func clampInt64(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
