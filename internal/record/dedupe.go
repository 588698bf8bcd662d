package record

// Dedupe returns items with at most one element per key. The first
// occurrence of a key wins and input order is preserved.
func Dedupe[T any](items []T, key func(T) string) []T {
	seen := make(map[string]struct{}, len(items))
	out := make([]T, 0, len(items))
	for _, it := range items {
		k := key(it)
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, it)
	}
	return out
}

// SessionKey is the conflict key of a Session.
func SessionKey(s Session) string { return s.Key }

// JobKey is the conflict key of a JobRun.
func JobKey(j JobRun) string { return j.JobID }
