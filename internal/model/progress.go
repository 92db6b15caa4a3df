package model

// ComputeProgress derives level and level progress from a total XP.
// Level 1 starts at 0 XP; each xpPerLevel XP adds a level.
func ComputeProgress(userID string, totalXP, xpPerLevel int) UserProgress {
	if xpPerLevel <= 0 {
		xpPerLevel = 1
	}
	if totalXP < 0 {
		totalXP = 0
	}
	return UserProgress{
		UserID:        userID,
		TotalXP:       totalXP,
		Level:         1 + totalXP/xpPerLevel,
		LevelProgress: float64(totalXP%xpPerLevel) / float64(xpPerLevel),
	}
}

// AwardedXP sums the XP of every award in the dataset.
func (d *Dataset) AwardedXP() int {
	total := 0
	for _, a := range d.Awards {
		total += a.XP
	}
	return total
}
