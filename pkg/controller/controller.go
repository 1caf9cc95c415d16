// Package controller supervises external OpenFlow controller
// processes: argument composition, startup via a generated shell
// wrapper, polled health checks, capture, and idempotent teardown.
package controller

import (
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/restuhaqza/nettestbed/pkg/capture"
	"github.com/restuhaqza/nettestbed/pkg/ports"
	"github.com/restuhaqza/nettestbed/pkg/types"
)

// TLSMaterial holds paths to the controller's TLS inputs. Absence of
// all three means plaintext only, which is valid; partial material is
// passed through as-is.
type TLSMaterial struct {
	PrivKey string
	Cert    string
	CACerts string
}

// Options configures a supervised controller.
type Options struct {
	// Name is the base controller name. The harness PID is appended so
	// parallel suite workers never collide.
	Name string

	// TmpDir is the run directory owning the PID file, wrapper script,
	// capture file and the relocated log.
	TmpDir string

	// Port is the OpenFlow TCP listen port.
	Port int

	// Intf is the management interface. When set, the controller is
	// bound to its IPv4 address and capture attaches to it.
	Intf string

	// Executable launches the controller, e.g. "ryu-manager".
	Executable string

	// Apps are the controller applications passed to the executable.
	Apps []string

	// Env is embedded in the wrapper script, sorted by name.
	Env map[string]string

	TLS TLSMaterial

	// WSAPIPort enables the REST API flags when non-zero.
	WSAPIPort int

	// Adapter overrides OS process introspection; nil selects the
	// procfs-backed adapter.
	Adapter types.ProcessAdapter

	// CaptureRunner overrides capture command execution in tests.
	CaptureRunner capture.Runner
}

// Controller supervises one external controller process.
type Controller struct {
	name       string
	tmpdir     string
	port       int
	intf       string
	executable string
	apps       []string
	env        map[string]string
	tls        TLSMaterial
	wsapiPort  int

	adapter types.ProcessAdapter
	cap     *capture.Capture

	mu    sync.Mutex
	state types.ControllerState
}

// New builds a supervisor from opts.
func New(opts Options) (*Controller, error) {
	if opts.Name == "" {
		return nil, fmt.Errorf("controller name must be set")
	}
	if opts.Port == 0 {
		return nil, fmt.Errorf("controller port must be set")
	}
	if opts.TmpDir == "" {
		return nil, fmt.Errorf("controller tmpdir must be set")
	}
	if opts.Executable == "" {
		opts.Executable = "ryu-manager"
	}

	adapter := opts.Adapter
	if adapter == nil {
		a, err := NewProcAdapter()
		if err != nil {
			return nil, err
		}
		adapter = a
	}

	name := fmt.Sprintf("%s-%d", opts.Name, os.Getpid())
	c := &Controller{
		name:       name,
		tmpdir:     opts.TmpDir,
		port:       opts.Port,
		intf:       opts.Intf,
		executable: opts.Executable,
		apps:       opts.Apps,
		env:        opts.Env,
		tls:        opts.TLS,
		wsapiPort:  opts.WSAPIPort,
		adapter:    adapter,
		state:      types.StateInit,
	}
	if opts.Intf != "" {
		c.cap = capture.New(name, opts.TmpDir, opts.Intf, opts.Port, opts.CaptureRunner)
	}
	return c, nil
}

// NewPrimary builds the primary controller flavor: REST API enabled on
// a freshly allocated port, TLS per opts. The REST API port comes from
// the same coordination channel as switch ports so it cannot collide
// across workers.
func NewPrimary(conn net.Conn, testName string, opts Options) (*Controller, error) {
	res, err := ports.Allocate(conn, testName)
	if err != nil {
		return nil, err
	}
	opts.WSAPIPort = res.Port
	if len(opts.Apps) == 0 {
		opts.Apps = []string{"ryu.app.ofctl_rest", "faucet.faucet"}
	}
	return New(opts)
}

// NewStats builds the statistics controller flavor: TLS per opts, no
// REST API.
func NewStats(opts Options) (*Controller, error) {
	opts.WSAPIPort = 0
	if len(opts.Apps) == 0 {
		opts.Apps = []string{"faucet.gauge"}
	}
	return New(opts)
}

// Name returns the PID-suffixed controller name.
func (c *Controller) Name() string {
	return c.name
}

// State returns the current lifecycle state.
func (c *Controller) State() types.ControllerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Port returns the OpenFlow listen port.
func (c *Controller) Port() int {
	return c.port
}

// PIDFile returns the path the controller writes its PID to.
func (c *Controller) PIDFile() string {
	return filepath.Join(c.tmpdir, c.name+".pid")
}

// LogName returns the controller's live log path. The process logs to
// /tmp until Stop relocates the file into the run directory.
func (c *Controller) LogName() string {
	return filepath.Join("/tmp", c.name+".log")
}

// ScriptPath returns the generated wrapper script path.
func (c *Controller) ScriptPath() string {
	return filepath.Join(c.tmpdir, "start-"+c.name+".sh")
}

// Start begins packet capture, writes the wrapper script and launches
// the controller through it. It returns as soon as the process is
// spawned: health must be polled, and is false until the controller has
// logged and bound its port.
func (c *Controller) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != types.StateInit {
		return fmt.Errorf("controller %s cannot start from state %s", c.name, c.state)
	}
	c.state = types.StateStarting

	if c.cap != nil {
		c.cap.Start()
	}

	script, err := c.writeWrapper()
	if err != nil {
		c.state = types.StateStopped
		return err
	}
	if err := c.adapter.Launch(script); err != nil {
		c.state = types.StateStopped
		return fmt.Errorf("failed to launch %s: %w", c.name, err)
	}

	log.Info().
		Str("controller", c.name).
		Int("port", c.port).
		Str("script", script).
		Msg("Controller launched")

	c.state = types.StateRunning
	return nil
}

// Stop tears the controller down. It is idempotent and never fails: a
// never-started controller, a stale PID file or an already dead process
// are all fine. Capture always stops (and decodes) before the log file
// is relocated into the run directory.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == types.StateStopped {
		return
	}
	c.state = types.StateStopping

	if c.healthy() {
		if pid := c.pid(); pid > 0 {
			if err := c.adapter.Terminate(pid); err != nil {
				log.Debug().Err(err).
					Str("controller", c.name).
					Int("pid", pid).
					Msg("Termination signal failed, process likely gone")
			}
		}
	}

	if c.cap != nil {
		c.cap.Stop()
	}
	c.relocateLog()

	c.state = types.StateStopped
	log.Info().Str("controller", c.name).Msg("Controller stopped")
}

// Healthy reports whether the controller has logged something and owns
// a listener on its port.
func (c *Controller) Healthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.healthy()
}

func (c *Controller) healthy() bool {
	info, err := os.Stat(c.LogName())
	if err != nil || info.Size() == 0 {
		return false
	}
	return c.listening()
}

// Listening reports whether a TCP listener exists on the controller
// port (and REST API port, when enabled) and its owner matches the PID
// file.
func (c *Controller) Listening() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listening()
}

func (c *Controller) listening() bool {
	pid := c.pid()
	if pid <= 0 {
		return false
	}
	if !c.portOwnedBy(c.port, pid) {
		return false
	}
	if c.wsapiPort > 0 && !c.portOwnedBy(c.wsapiPort, pid) {
		return false
	}
	return true
}

// Connected reports whether the controller is healthy and at least one
// peer switch holds an ESTABLISHED connection to the listen port.
func (c *Controller) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.healthy() {
		return false
	}
	n, err := c.adapter.Established(c.port)
	if err != nil {
		log.Debug().Err(err).Str("controller", c.name).Msg("Connection state query failed")
		return false
	}
	return n > 0
}

func (c *Controller) portOwnedBy(port, pid int) bool {
	owner, err := c.adapter.ListenerPID(port)
	if err != nil {
		log.Debug().Err(err).
			Str("controller", c.name).
			Int("port", port).
			Msg("Listener query failed")
		return false
	}
	return owner == pid
}

// pid reads the recorded PID, returning 0 when the PID file is missing
// or empty.
func (c *Controller) pid() int {
	data, err := os.ReadFile(c.PIDFile())
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return pid
}

// cargs composes the full controller argument list.
func (c *Controller) cargs() []string {
	args := []string{
		"--verbose",
		"--use-stderr",
		fmt.Sprintf("--ofp-tcp-listen-port=%d", c.port),
		fmt.Sprintf("--pid-file=%s", c.PIDFile()),
	}
	if c.intf != "" {
		if ip, err := intfIPv4(c.intf); err == nil {
			args = append(args, fmt.Sprintf("--ofp-listen-host=%s", ip))
		} else {
			log.Warn().Err(err).
				Str("controller", c.name).
				Str("intf", c.intf).
				Msg("Failed to resolve management interface address")
		}
	}
	if c.wsapiPort > 0 {
		args = append(args,
			"--wsapi-host=127.0.0.1",
			fmt.Sprintf("--wsapi-port=%d", c.wsapiPort),
		)
	}
	return append(args, c.tlsArgs()...)
}

// tlsArgs appends one flag per present TLS item, plus the SSL listen
// port iff any item is present. All absent yields no TLS flags at all.
func (c *Controller) tlsArgs() []string {
	var args []string
	for _, item := range []struct {
		flag string
		val  string
	}{
		{"ctl-privkey", c.tls.PrivKey},
		{"ctl-cert", c.tls.Cert},
		{"ca-certs", c.tls.CACerts},
	} {
		if item.val != "" {
			args = append(args, fmt.Sprintf("--%s=%s", item.flag, item.val))
		}
	}
	if len(args) > 0 {
		args = append(args, fmt.Sprintf("--ofp-ssl-listen-port=%d", c.port))
	}
	return args
}

// writeWrapper generates the shell script that execs the controller
// with sorted environment assignments and the composed argument string.
func (c *Controller) writeWrapper() (string, error) {
	vars := make([]string, 0, len(c.env))
	for k, v := range c.env {
		vars = append(vars, k+"="+v)
	}
	sort.Strings(vars)

	parts := append(vars, "exec", c.executable)
	parts = append(parts, c.apps...)
	parts = append(parts, c.cargs()...)
	parts = append(parts, "$*")

	script := c.ScriptPath()
	if err := os.WriteFile(script, []byte(strings.Join(parts, " ")+"\n"), 0o755); err != nil {
		return "", fmt.Errorf("failed to write wrapper script: %w", err)
	}
	return script, nil
}

// relocateLog moves the live log into the run directory, overwriting
// any stale copy from an earlier run of the same controller name.
func (c *Controller) relocateLog() {
	src := c.LogName()
	if _, err := os.Stat(src); err != nil {
		return
	}
	dst := filepath.Join(c.tmpdir, filepath.Base(src))
	if err := moveFile(src, dst); err != nil {
		log.Warn().Err(err).
			Str("controller", c.name).
			Str("log", src).
			Msg("Failed to relocate controller log")
	}
}

// moveFile renames src to dst, falling back to copy+remove across
// filesystems.
func moveFile(src, dst string) error {
	os.Remove(dst)
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	if err := copyFile(src, dst); err != nil {
		return err
	}
	return os.Remove(src)
}

// copyFile copies src to dst, removing dst again if the copy cannot
// complete so a failed relocation never leaves a truncated log behind.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return err
	}
	return nil
}

// intfIPv4 returns the first IPv4 address bound to the named interface.
func intfIPv4(name string) (string, error) {
	intf, err := net.InterfaceByName(name)
	if err != nil {
		return "", fmt.Errorf("failed to find interface %s: %w", name, err)
	}
	addrs, err := intf.Addrs()
	if err != nil {
		return "", fmt.Errorf("failed to list addresses on %s: %w", name, err)
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		if v4 := ipNet.IP.To4(); v4 != nil {
			return v4.String(), nil
		}
	}
	return "", fmt.Errorf("interface %s has no IPv4 address", name)
}
