package algorithm

// Satisfies reports whether a cell offering cellFeatures can host a tenant requiring
// requiredFeatures. An empty requirement is satisfied by every cell.
func Satisfies(cellFeatures, requiredFeatures []string) bool {
	if len(requiredFeatures) == 0 {
		return true
	}
	offered := toSet(cellFeatures)
	for _, f := range requiredFeatures {
		if _, ok := offered[f]; !ok {
			return false
		}
	}
	return true
}

// MatchScore returns how many distinct required features the cell offers
func MatchScore(cellFeatures, requiredFeatures []string) int {
	offered := toSet(cellFeatures)
	score := 0
	for f := range toSet(requiredFeatures) {
		if _, ok := offered[f]; ok {
			score++
		}
	}
	return score
}

// ExactMatch reports whether the cell offers exactly the required feature set
func ExactMatch(cellFeatures, requiredFeatures []string) bool {
	offered := toSet(cellFeatures)
	required := toSet(requiredFeatures)
	if len(offered) != len(required) {
		return false
	}
	return MatchScore(cellFeatures, requiredFeatures) == len(required)
}

// ExtraFeatures returns how many distinct features the cell offers beyond the
// requirement
func ExtraFeatures(cellFeatures, requiredFeatures []string) int {
	return len(toSet(cellFeatures)) - MatchScore(cellFeatures, requiredFeatures)
}

func toSet(features []string) map[string]struct{} {
	set := make(map[string]struct{}, len(features))
	for _, f := range features {
		set[f] = struct{}{}
	}
	return set
}
