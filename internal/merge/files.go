// Package merge reconciles concurrent versions of a job document's
// sub-collections. Every function is pure and returns fresh slices.
package merge

import "estimator/api/internal/jobdoc"

// Files merges a file list against a base. Entries of base whose key is in
// deleted are dropped, then each incoming entry that is neither present nor
// deleted is appended. Output order is base order followed by new incoming
// entries in their own order. A key in deleted always wins over incoming.
func Files(base, incoming []jobdoc.FileLink, deleted []string) []jobdoc.FileLink {
	tombstones := make(map[string]struct{}, len(deleted))
	for _, key := range deleted {
		tombstones[key] = struct{}{}
	}

	seen := make(map[string]struct{}, len(base)+len(incoming))
	out := make([]jobdoc.FileLink, 0, len(base)+len(incoming))
	add := func(file jobdoc.FileLink) {
		key := file.Key()
		if _, gone := tombstones[key]; gone {
			return
		}
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		out = append(out, file)
	}
	for _, file := range base {
		add(file)
	}
	for _, file := range incoming {
		add(file)
	}
	return out
}

// FileKeys returns the composite keys of files, in order.
func FileKeys(files []jobdoc.FileLink) []string {
	keys := make([]string, 0, len(files))
	for _, file := range files {
		keys = append(keys, file.Key())
	}
	return keys
}

// MissingFiles returns the entries of files whose key is absent from other.
func MissingFiles(files, other []jobdoc.FileLink) []jobdoc.FileLink {
	present := make(map[string]struct{}, len(other))
	for _, file := range other {
		present[file.Key()] = struct{}{}
	}
	out := make([]jobdoc.FileLink, 0)
	for _, file := range files {
		if _, ok := present[file.Key()]; !ok {
			out = append(out, file)
		}
	}
	return out
}
