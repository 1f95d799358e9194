package daemon

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/pilebones/go-udev/netlink"

	"ripley/internal/config"
	"ripley/internal/disc"
	"ripley/internal/logging"
	"ripley/internal/notifications"
	"ripley/internal/queue"
	"ripley/internal/workflow"
)

// discMonitor listens for udev netlink events and submits an extract job
// when media appears in the configured drive. Connection failure is
// non-fatal: jobs can still be submitted through the CLI.
type discMonitor struct {
	cfg         *config.Config
	logger      *slog.Logger
	workflow    *workflow.Manager
	notifier    notifications.Service
	device      string
	driveStatus func(device string) (disc.DriveStatus, error)

	mu      sync.Mutex
	conn    *netlink.UEventConn
	quit    chan struct{}
	running bool
}

func newDiscMonitor(cfg *config.Config, logger *slog.Logger, wf *workflow.Manager) *discMonitor {
	device := strings.TrimSpace(cfg.MakeMKV.Device)
	if device == "" {
		return nil
	}
	return &discMonitor{
		cfg:         cfg,
		logger:      logging.WithComponent(logger, "disc-monitor"),
		workflow:    wf,
		notifier:    notifications.NewService(cfg),
		device:      device,
		driveStatus: disc.Status,
	}
}

// Start begins listening for udev events. A nil monitor (no configured
// device) is a no-op.
func (m *discMonitor) Start(ctx context.Context) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}

	conn := new(netlink.UEventConn)
	if err := conn.Connect(netlink.UdevEvent); err != nil {
		m.logger.Warn("netlink connect failed, automatic disc detection disabled",
			logging.Error(err),
		)
		return
	}

	m.conn = conn
	m.quit = make(chan struct{})
	m.running = true
	go m.monitorLoop(ctx, m.quit)
	m.logger.Info("disc monitor started", logging.String("device", m.device))
}

// Stop shuts the monitor down.
func (m *discMonitor) Stop() {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	if m.quit != nil {
		close(m.quit)
		m.quit = nil
	}
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	m.running = false
	m.logger.Info("disc monitor stopped")
}

// Running reports whether the monitor holds a netlink socket.
func (m *discMonitor) Running() bool {
	if m == nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *discMonitor) monitorLoop(ctx context.Context, quit <-chan struct{}) {
	events := make(chan netlink.UEvent)
	errs := make(chan error)

	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return
	}
	monitorQuit := conn.Monitor(events, errs, discMatcher())

	for {
		select {
		case <-ctx.Done():
			close(monitorQuit)
			return
		case <-quit:
			close(monitorQuit)
			return
		case uevent := <-events:
			m.handleEvent(ctx, uevent)
		case err := <-errs:
			m.logger.Warn("netlink monitor error", logging.Error(err))
		}
	}
}

// discMatcher matches block-device change/add events carrying loaded
// optical media.
func discMatcher() netlink.Matcher {
	action := "change|add"
	rules := &netlink.RuleDefinitions{}
	rules.AddRule(netlink.RuleDefinition{
		Action: &action,
		Env: map[string]string{
			"SUBSYSTEM":      "block",
			"ID_CDROM":       "1",
			"ID_CDROM_MEDIA": "1",
		},
	})
	return rules
}

func (m *discMonitor) handleEvent(ctx context.Context, uevent netlink.UEvent) {
	devname := deviceName(uevent)
	if devname == "" || devname != m.device {
		return
	}

	if status, err := m.driveStatus(devname); err != nil {
		m.logger.Debug("drive status probe failed", logging.Error(err))
	} else if !status.Ready() {
		m.logger.Debug("ignoring event, drive not ready",
			logging.String("status", status.String()),
		)
		return
	}

	label := strings.TrimSpace(uevent.Env["ID_FS_LABEL"])
	if label == "" {
		label = "Unknown Disc"
	} else {
		label = strings.ReplaceAll(label, "_", " ")
	}

	discType := "DVD"
	if uevent.Env["ID_CDROM_MEDIA_BD"] == "1" {
		discType = "Blu-ray"
	}

	m.logger.Info("disc media detected",
		logging.String("device", devname),
		logging.String("label", label),
		logging.String("type", discType),
	)
	if err := m.notifier.NotifyDiscDetected(ctx, label, discType); err != nil {
		m.logger.Debug("disc detection notification failed", logging.Error(err))
	}

	job, err := m.workflow.Submit(ctx, workflow.SubmitRequest{
		Kind:       queue.KindExtract,
		DiscTitle:  label,
		Device:     devname,
		DriveIndex: m.cfg.MakeMKV.DriveIndex,
	})
	if err != nil {
		m.logger.Warn("failed to queue detected disc",
			logging.String("device", devname),
			logging.Error(err),
		)
		return
	}
	m.logger.Info("disc queued",
		logging.Int64("job_id", job.ID),
		logging.String("disc_title", job.DiscTitle),
	)
}

// deviceName resolves the event's device path, falling back to the last
// DEVPATH segment.
func deviceName(uevent netlink.UEvent) string {
	if devname := uevent.Env["DEVNAME"]; devname != "" {
		return devname
	}
	devpath := uevent.Env["DEVPATH"]
	if devpath == "" {
		return ""
	}
	parts := strings.Split(devpath, "/")
	return "/dev/" + parts[len(parts)-1]
}
