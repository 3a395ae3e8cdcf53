// Package serialctl accepts motion commands over a serial console, one JSON
// object per line.
package serialctl

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"strings"
	"time"

	"github.com/tarm/serial"

	"github.com/cjeanneret/RampGo/internal/control"
	"github.com/cjeanneret/RampGo/internal/debug"
)

// MaxLineBytes bounds one command line.
const MaxLineBytes = 4 << 10

// Submitter accepts decoded commands (*control.Queue).
type Submitter interface {
	Submit(c control.Command) error
}

// Open opens dev at baud. An empty dev tries the usual USB serial adapters.
func Open(dev string, baud int) (io.ReadWriteCloser, error) {
	var devices []string
	if dev != "" {
		devices = append(devices, dev)
	} else if runtime.GOOS == "linux" {
		devices = append(devices, "/dev/ttyUSB0", "/dev/ttyACM0", "/dev/serial0")
	}
	if len(devices) == 0 {
		return nil, errors.New("no serial device specified")
	}
	var firstErr error
	for _, dev := range devices {
		c := &serial.Config{Name: dev, Baud: baud}
		p, err := serial.OpenPort(c)
		if err == nil {
			debug.Info("Serial console on %s (%d baud)", dev, baud)
			return p, nil
		}
		if firstErr == nil {
			firstErr = fmt.Errorf("open serial port %s: %w", dev, err)
		}
	}
	return nil, firstErr
}

// Serve reads commands from rw until EOF, a read error or ctx is cancelled,
// and answers each line with "Moving motor" or an error. If rw is an
// io.Closer it is closed on cancellation to unblock the pending read.
func Serve(ctx context.Context, rw io.ReadWriter, q Submitter) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			if c, ok := rw.(io.Closer); ok {
				c.Close()
			}
		case <-done:
		}
	}()

	sc := bufio.NewScanner(rw)
	sc.Buffer(make([]byte, 0, 256), MaxLineBytes)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		reply := handleLine(line, q)
		if _, err := io.WriteString(rw, reply+"\n"); err != nil {
			return fmt.Errorf("serial write: %w", err)
		}
	}
	if ctx.Err() != nil {
		return nil
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("serial read: %w", err)
	}
	return nil
}

func handleLine(line string, q Submitter) string {
	cmd, err := control.Decode(control.ContentTypeJSON, []byte(line))
	if err != nil {
		debug.Live("Rejected serial command: %v", err)
		return "JSON error: " + err.Error()
	}
	cmd.Source = "serial"
	if err := q.Submit(cmd); err != nil {
		return "Busy: " + err.Error()
	}
	return "Moving motor"
}

// Retry reopens the port after a failure until ctx is cancelled.
func Retry(ctx context.Context, dev string, baud int, q Submitter, backoff time.Duration) error {
	for {
		port, err := Open(dev, baud)
		if err == nil {
			err = Serve(ctx, port, q)
			port.Close()
		}
		if ctx.Err() != nil {
			return nil
		}
		debug.Error(err)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
	}
}
