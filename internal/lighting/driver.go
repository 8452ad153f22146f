package lighting

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
)

// SysfsDriver drives an RGB LED through three sysfs brightness files, one per
// color component (the kernel ledtrig interface exposed on most SBC builds).
type SysfsDriver struct {
	mu    sync.Mutex
	paths [3]string
}

var _ Driver = (*SysfsDriver)(nil)

func NewSysfsDriver(redPath, greenPath, bluePath string) *SysfsDriver {
	return &SysfsDriver{paths: [3]string{redPath, greenPath, bluePath}}
}

func (d *SysfsDriver) SetColor(color RGB) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, component := range [3]uint8{color.R, color.G, color.B} {
		if err := os.WriteFile(d.paths[i], []byte(fmt.Sprintf("%d\n", component)), 0o644); err != nil {
			return fmt.Errorf("writing led brightness: %w", err)
		}
	}
	return nil
}

func (d *SysfsDriver) Off() error {
	return d.SetColor(RGB{})
}

// LogDriver reports color changes to the log instead of hardware, for
// development hosts without an LED.
type LogDriver struct{}

var _ Driver = LogDriver{}

func (LogDriver) SetColor(color RGB) error {
	slog.Debug("led color",
		slog.Int("r", int(color.R)), slog.Int("g", int(color.G)), slog.Int("b", int(color.B)))
	return nil
}

func (LogDriver) Off() error {
	slog.Debug("led off")
	return nil
}
