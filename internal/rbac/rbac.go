// Package rbac models workspace permission levels.
package rbac

import "strings"

type Level int

const (
	LevelNone Level = iota
	LevelRead
	LevelWrite
	LevelAdmin
	LevelOwner
)

func (l Level) String() string {
	switch l {
	case LevelRead:
		return "read"
	case LevelWrite:
		return "write"
	case LevelAdmin:
		return "admin"
	case LevelOwner:
		return "owner"
	default:
		return "none"
	}
}

// Allows reports whether a grant at level l satisfies min.
func (l Level) Allows(min Level) bool {
	if min == LevelNone {
		return true
	}
	return l >= min
}

func Can(granted, required Level) bool {
	return granted.Allows(required)
}

func Parse(value string) Level {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "read":
		return LevelRead
	case "write":
		return LevelWrite
	case "admin":
		return LevelAdmin
	case "owner":
		return LevelOwner
	default:
		return LevelNone
	}
}

// Normalize clamps stored integers into the known range.
func Normalize(raw int) Level {
	if raw <= int(LevelNone) {
		return LevelNone
	}
	if raw >= int(LevelOwner) {
		return LevelOwner
	}
	return Level(raw)
}
