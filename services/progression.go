package services

// TierThresholds: best level required for each leaderboard tier, highest first.
var TierThresholds = []struct {
	Name     string
	MinLevel int
}{
	{"diamond", 100},
	{"platinum", 50},
	{"gold", 25},
	{"silver", 10},
	{"bronze", 0},
}

func TierForLevel(level int) string {
	for _, t := range TierThresholds {
		if level >= t.MinLevel {
			return t.Name
		}
	}
	return "bronze"
}

// NextTier returns the next tier above level and the level needed to reach it.
// ok is false at the top tier.
func NextTier(level int) (name string, minLevel int, ok bool) {
	for i := len(TierThresholds) - 1; i >= 0; i-- {
		if TierThresholds[i].MinLevel > level {
			return TierThresholds[i].Name, TierThresholds[i].MinLevel, true
		}
	}
	return "", 0, false
}
