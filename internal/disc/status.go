package disc

import (
	"fmt"
	"strings"

	"golang.org/x/sys/unix"
)

// cdromDriveStatus is the Linux CDROM_DRIVE_STATUS ioctl request number.
const cdromDriveStatus = 0x5326

// DriveStatus is the kernel's view of the optical drive.
type DriveStatus int

const (
	DriveNoInfo   DriveStatus = 0
	DriveNoDisc   DriveStatus = 1
	DriveTrayOpen DriveStatus = 2
	DriveNotReady DriveStatus = 3
	DriveDiscOK   DriveStatus = 4
)

func (s DriveStatus) String() string {
	switch s {
	case DriveNoInfo:
		return "no_info"
	case DriveNoDisc:
		return "no_disc"
	case DriveTrayOpen:
		return "tray_open"
	case DriveNotReady:
		return "not_ready"
	case DriveDiscOK:
		return "disc_ok"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Ready reports whether media is loaded and readable.
func (s DriveStatus) Ready() bool { return s == DriveDiscOK }

// Status queries the drive state with the CDROM_DRIVE_STATUS ioctl.
func Status(devicePath string) (DriveStatus, error) {
	devicePath = strings.TrimSpace(devicePath)
	if devicePath == "" {
		return DriveNoInfo, fmt.Errorf("empty device path")
	}

	fd, err := unix.Open(devicePath, unix.O_RDONLY|unix.O_NONBLOCK, 0)
	if err != nil {
		return DriveNoInfo, fmt.Errorf("open %s: %w", devicePath, err)
	}
	defer unix.Close(fd)

	status, err := unix.IoctlRetInt(fd, cdromDriveStatus)
	if err != nil {
		return DriveNoInfo, fmt.Errorf("drive status %s: %w", devicePath, err)
	}
	return DriveStatus(status), nil
}
