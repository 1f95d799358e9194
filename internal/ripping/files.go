package ripping

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
)

// snapshotDir records the regular files currently present in dir. A missing
// directory yields an empty baseline so the first rip into a fresh staging
// tree needs no special case.
func snapshotDir(dir string) (map[string]struct{}, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]struct{}{}, nil
		}
		return nil, fmt.Errorf("snapshot %s: %w", dir, err)
	}
	baseline := make(map[string]struct{}, len(entries))
	for _, entry := range entries {
		if entry.Type().IsRegular() {
			baseline[entry.Name()] = struct{}{}
		}
	}
	return baseline, nil
}

// newFiles returns the regular files in dir that are absent from baseline,
// sorted by name. The writer process may still be running when this is
// called for the early-handoff check, so transient races are tolerated by
// simply reporting what is visible right now.
func newFiles(dir string, baseline map[string]struct{}) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("diff %s: %w", dir, err)
	}
	var produced []string
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		if _, existed := baseline[entry.Name()]; existed {
			continue
		}
		produced = append(produced, filepath.Join(dir, entry.Name()))
	}
	sort.Strings(produced)
	return produced, nil
}

// titleFilePattern matches makemkvcon's output naming convention
// ("title_t03.mkv"), the secondary correlation signal after the per-spawn
// directory diff.
var titleFilePattern = regexp.MustCompile(`_t(\d+)\.mkv$`)

// titleIDFromName extracts the title ID encoded in a produced file name.
func titleIDFromName(path string) (int, bool) {
	match := titleFilePattern.FindStringSubmatch(filepath.Base(path))
	if match == nil {
		return 0, false
	}
	id, err := strconv.Atoi(match[1])
	if err != nil {
		return 0, false
	}
	return id, true
}
