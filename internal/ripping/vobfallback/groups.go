package vobfallback

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Group is one physical container group: the VTS_<id>_<part>.VOB segments
// that together store one logical title, ordered by ascending part number.
type Group struct {
	ID    string
	Parts []string
	Bytes int64
	// Duration is filled lazily by probing, zero until then.
	Duration float64
}

// vobPattern matches the raw container naming convention. Part 0 holds menu
// and navigation data, never title content, and is excluded from groups.
var vobPattern = regexp.MustCompile(`(?i)^VTS_(\d+)_(\d+)\.VOB$`)

// scanGroups enumerates container groups under the VIDEO_TS directory.
func scanGroups(videoTSDir string) ([]*Group, error) {
	entries, err := os.ReadDir(videoTSDir)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", videoTSDir, err)
	}

	type part struct {
		num  int
		path string
		size int64
	}
	byGroup := make(map[string][]part)
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		match := vobPattern.FindStringSubmatch(entry.Name())
		if match == nil {
			continue
		}
		partNum, err := strconv.Atoi(match[2])
		if err != nil || partNum == 0 {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		id := match[1]
		byGroup[id] = append(byGroup[id], part{
			num:  partNum,
			path: filepath.Join(videoTSDir, entry.Name()),
			size: info.Size(),
		})
	}

	groups := make([]*Group, 0, len(byGroup))
	for id, parts := range byGroup {
		sort.Slice(parts, func(i, j int) bool { return parts[i].num < parts[j].num })
		group := &Group{ID: id}
		for _, p := range parts {
			group.Parts = append(group.Parts, p.path)
			group.Bytes += p.size
		}
		groups = append(groups, group)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].ID < groups[j].ID })
	return groups, nil
}

// hasVideoLayout reports whether dir looks like a mounted DVD: it contains a
// VIDEO_TS directory (either case).
func hasVideoLayout(dir string) (string, bool) {
	for _, name := range []string{"VIDEO_TS", "video_ts"} {
		candidate := filepath.Join(dir, name)
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate, true
		}
	}
	// Some mounts expose the layout at the root itself.
	if entries, err := os.ReadDir(dir); err == nil {
		for _, entry := range entries {
			if strings.EqualFold(entry.Name(), "VIDEO_TS.IFO") {
				return dir, true
			}
		}
	}
	return "", false
}
