// Package notifier provides desktop notifications for job runs
package notifier

import (
	"fmt"
	"runtime"
	"time"

	"github.com/gen2brain/beeep"
	"github.com/pnpforge/pnpjob/pkg/logger"
)

// JobNotifier sends desktop notifications when a job finishes or a step fails
type JobNotifier struct {
	enabled bool
	sound   string
	logger  logger.Logger
	send    func(title, message string) error
	beep    func() error
}

// Config represents notification configuration
type Config struct {
	Enabled bool
	Sound   string
}

// New creates a new job notifier
func New(config Config, log logger.Logger) *JobNotifier {
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &JobNotifier{
		enabled: config.Enabled,
		sound:   config.Sound,
		logger:  log,
		send: func(title, message string) error {
			return beeep.Notify(title, message, "")
		},
		beep: func() error {
			return beeep.Beep(beeep.DefaultFreq, beeep.DefaultDuration)
		},
	}
}

// NotifyJobCompleted notifies that every placement of a job is done
func (n *JobNotifier) NotifyJobCompleted(job string, duration time.Duration) {
	if !n.enabled {
		return
	}

	title := "✅ Job Completed"
	message := fmt.Sprintf("%s finished in %s", job, formatDuration(duration))

	n.sendNotification(title, message, "")
}

// NotifyJobAborted notifies that a job was stopped before it finished
func (n *JobNotifier) NotifyJobAborted(job string) {
	if !n.enabled {
		return
	}

	n.sendNotification("⏹ Job Stopped", fmt.Sprintf("%s was stopped", job), "")
}

// NotifyStepError notifies that a step failed and the operator needs to decide
func (n *JobNotifier) NotifyStepError(job string, err error) {
	if !n.enabled {
		return
	}

	title := "❌ Step Failed"
	message := fmt.Sprintf("%s: %v", job, err)

	n.sendNotification(title, message, n.sound)
}

func (n *JobNotifier) sendNotification(title, message, soundName string) {
	switch runtime.GOOS {
	case "darwin", "linux", "windows":
		if err := n.send(title, message); err != nil {
			n.logger.Debug("Failed to send notification", logger.WithError(err))
		}
	default:
		n.logger.Info(fmt.Sprintf("%s: %s", title, message))
	}

	if soundName != "" {
		if err := n.beep(); err != nil {
			n.logger.Debug("Failed to play sound", logger.WithError(err))
		}
	}
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
}
