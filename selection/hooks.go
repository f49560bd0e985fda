package selection

import "slices"

// Hook adjusts a stage's decoded choice before it is validated. Hooks only
// ever add names.
type Hook func(chosen []string) []string

// RequireTogether returns a Hook that completes partially chosen groups:
// when some but not all members of a group are chosen, the missing members
// are appended in group order.
func RequireTogether(groups ...[]string) Hook {
	return func(chosen []string) []string {
		out := slices.Clone(chosen)
		for _, group := range groups {
			var missing []string
			for _, name := range group {
				if !slices.Contains(out, name) {
					missing = append(missing, name)
				}
			}
			if len(missing) > 0 && len(missing) < len(group) {
				out = append(out, missing...)
			}
		}
		return out
	}
}
