//go:build linux && (arm || arm64)

package imu

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/warthog618/go-gpiocdev"
)

// openDataReady watches the IMU INT pin for rising edges through the GPIO
// character device. Edges arriving faster than they are consumed coalesce.
func openDataReady(chipName string, offset int) (edgeSource, error) {
	if offset < 0 {
		return nil, fmt.Errorf("imu: invalid drdy line %d", offset)
	}
	if chipName == "" {
		chipName = "gpiochip0"
	}
	if !strings.HasPrefix(chipName, "/") {
		chipName = filepath.Join("/dev", chipName)
	}

	chip, err := gpiocdev.NewChip(chipName)
	if err != nil {
		return nil, fmt.Errorf("imu: open %s: %w", chipName, err)
	}
	e := &gpiodEdges{ch: make(chan time.Time, 1), chip: chip}
	line, err := chip.RequestLine(offset,
		gpiocdev.AsInput,
		gpiocdev.WithRisingEdge,
		gpiocdev.WithConsumer("fallwatch-imu"),
		gpiocdev.WithEventHandler(e.handle),
	)
	if err != nil {
		_ = chip.Close()
		return nil, fmt.Errorf("imu: request %s line %d: %w", chipName, offset, err)
	}
	e.line = line
	return e, nil
}

type gpiodEdges struct {
	ch   chan time.Time
	chip *gpiocdev.Chip
	line *gpiocdev.Line
}

func (e *gpiodEdges) handle(gpiocdev.LineEvent) {
	select {
	case e.ch <- time.Now():
	default:
	}
}

func (e *gpiodEdges) Edges() <-chan time.Time { return e.ch }

func (e *gpiodEdges) Close() error {
	var err error
	if e.line != nil {
		err = e.line.Close()
		e.line = nil
	}
	if e.chip != nil {
		_ = e.chip.Close()
		e.chip = nil
	}
	return err
}
