package makemkv

import (
	"fmt"
	"strconv"
)

// RipArgs assembles the robot-mode command line for ripping one title into
// destDir. titleID < 0 selects all titles.
func RipArgs(driveIndex, titleID int, destDir string) []string {
	args := []string{"--robot", "--progress=-same", "mkv", fmt.Sprintf("disc:%d", driveIndex)}
	if titleID < 0 {
		args = append(args, "all")
	} else {
		args = append(args, strconv.Itoa(titleID))
	}
	return append(args, destDir)
}

// TitleFileName is the output name convention makemkvcon uses for a single
// saved title.
func TitleFileName(titleID int) string {
	return fmt.Sprintf("title_t%02d.mkv", titleID)
}
