package ledger

// levelThresholds[i] is the minimum point total for level i+1. The schedule
// is strictly increasing with widening steps so early levels come quickly
// and later ones take sustained logging.
var levelThresholds = []int{
	0,    // level 1
	71,   // level 2
	231,  // level 3
	501,  // level 4
	901,  // level 5
	1451, // level 6
	2171, // level 7
	3081, // level 8
	4201, // level 9
	5551, // level 10
}

// MaxLevel is the highest attainable level.
var MaxLevel = len(levelThresholds)

// Level returns the level for a point total: the largest L such that
// Threshold(L) <= points. Level(0) is 1; the result never decreases as
// points increase and never exceeds MaxLevel.
func Level(points int) int {
	level := 1
	for i, threshold := range levelThresholds {
		if points < threshold {
			break
		}
		level = i + 1
	}
	return level
}

// Threshold returns the minimum point total for the given level.
// Levels outside [1, MaxLevel] are clamped.
func Threshold(level int) int {
	if level < 1 {
		level = 1
	}
	if level > MaxLevel {
		level = MaxLevel
	}
	return levelThresholds[level-1]
}

// NextThreshold returns the point total needed for the next level and true,
// or 0 and false if the level is already MaxLevel. Useful for progress
// display.
func NextThreshold(level int) (int, bool) {
	if level >= MaxLevel {
		return 0, false
	}
	return levelThresholds[level], true
}
