// Package capture attaches a traffic recorder to a supervised
// controller's listening port and decodes the recording on teardown.
// Capture is best-effort throughout: neither a recorder that fails to
// start nor a decoder that fails to run ever propagates an error.
package capture

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
)

// Capture records OpenFlow control-channel traffic for one controller.
type Capture struct {
	name   string
	intf   string
	port   int
	file   string
	runner Runner
}

// New prepares a capture writing to <tmpdir>/<name>-of.cap. A nil
// runner selects ExecRunner.
func New(name, tmpdir, intf string, port int, runner Runner) *Capture {
	if runner == nil {
		runner = ExecRunner{}
	}
	return &Capture{
		name:   name,
		intf:   intf,
		port:   port,
		file:   filepath.Join(tmpdir, name+"-of.cap"),
		runner: runner,
	}
}

// File returns the capture file path.
func (c *Capture) File() string {
	return c.file
}

// Start attaches tcpdump to the management interface, filtered to TCP
// traffic on the controller port. Start failures are logged and
// swallowed: a test without a capture is still a valid test.
func (c *Capture) Start() {
	err := c.runner.Start("tcpdump",
		"-s", "0",
		"-e",
		"-n",
		"-U",
		"-q",
		"-i", c.intf,
		"-w", c.file,
		fmt.Sprintf("tcp and port %d", c.port),
	)
	if err != nil {
		log.Warn().Err(err).
			Str("controller", c.name).
			Str("intf", c.intf).
			Msg("Failed to start capture")
		return
	}

	log.Debug().
		Str("controller", c.name).
		Str("file", c.file).
		Int("port", c.port).
		Msg("Capture started")
}

// Stop signals the recorder to flush, then decodes the capture into
// <file>.txt with tshark. Must run before the controller log is
// relocated; decoding may still reference the process's lifetime.
// Decoder failures are logged, never raised.
func (c *Capture) Stop() {
	// SIGHUP any process holding the capture file open so tcpdump
	// flushes and exits.
	if err := c.runner.Run(nil, "fuser", "-1", "-m", c.file); err != nil {
		log.Debug().Err(err).Str("file", c.file).Msg("Capture flush signal failed")
	}

	if _, err := os.Stat(c.file); err != nil {
		return
	}

	decoded, err := os.Create(c.file + ".txt")
	if err != nil {
		log.Warn().Err(err).Str("file", c.file).Msg("Failed to create decoded capture log")
		return
	}
	defer decoded.Close()

	err = c.runner.Run(decoded, "tshark",
		"-d", fmt.Sprintf("tcp.port==%d,openflow", c.port),
		"-O", "openflow_v4",
		"-Y", "openflow_v4",
		"-n",
		"-r", c.file,
	)
	if err != nil {
		log.Warn().Err(err).
			Str("controller", c.name).
			Str("file", c.file).
			Msg("Capture decode failed")
	}
}
