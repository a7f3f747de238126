package nicoscache

import "strings"

// contains is subscription match. Any subscription is substring filter of full key.
func contains(key, sub string) bool {
	return strings.Contains(key, sub)
}
