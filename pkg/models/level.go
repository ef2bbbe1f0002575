package models

// Level identifies one of the six hierarchy strata. Zero is the top
// strategic planner; five is the leaf executor that edits files.
type Level int

const (
	// LevelStrategist owns the mission objective and the first breakdown.
	LevelStrategist Level = 0
	// LevelArchitect shapes the technical approach per strategic goal.
	LevelArchitect Level = 1
	// LevelPlanner turns an architectural direction into work packages.
	LevelPlanner Level = 2
	// LevelLead splits a work package into buildable pieces.
	LevelLead Level = 3
	// LevelBuilder defines the concrete implementation units.
	LevelBuilder Level = 4
	// LevelExecutor performs file edits; the only level that never decomposes.
	LevelExecutor Level = 5
)

// LevelCount is the number of hierarchy levels.
const LevelCount = 6

var levelNames = [LevelCount]string{
	"strategist", "architect", "planner", "lead", "builder", "executor",
}

// Valid returns true if the level is within the hierarchy.
func (l Level) Valid() bool {
	return l >= LevelStrategist && l <= LevelExecutor
}

// IsLeaf returns true for the executor level.
func (l Level) IsLeaf() bool {
	return l == LevelExecutor
}

// Next returns the level below this one, saturating at the leaf.
func (l Level) Next() Level {
	if l >= LevelExecutor {
		return LevelExecutor
	}
	return l + 1
}

// String returns the role name for the level, or "unknown" outside the range.
func (l Level) String() string {
	if !l.Valid() {
		return "unknown"
	}
	return levelNames[l]
}

// ParseLevel maps a role name back to its level.
func ParseLevel(name string) (Level, bool) {
	for i, n := range levelNames {
		if n == name {
			return Level(i), true
		}
	}
	return 0, false
}
