// isolation_subprocess.go: Subprocess isolation backend
//
// Mods that must be isolated from the host's address space run as separate
// executables. The loader talks to them with line-delimited JSON over the
// child's stdin and stdout; stderr is forwarded to the logger. Unloading such
// a mod terminates its process.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package modloader

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// BackendSubprocess is the name of the subprocess backend.
const BackendSubprocess = RuntimeSubprocess

// Wire methods understood by subprocess mods.
const (
	methodDescribe = "describe"
	methodStart    = "start"
	methodSuspend  = "suspend"
	methodResume   = "resume"
	methodUnload   = "unload"
	methodShutdown = "shutdown"
)

type subprocessRequest struct {
	ID     uint64          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

type subprocessResponse struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

type wireExport struct {
	Name       string          `json:"name"`
	Definition json.RawMessage `json:"definition,omitempty"`
}

type describeResult struct {
	SessionID  string       `json:"session_id"`
	Exports    []wireExport `json:"exports,omitempty"`
	CanSuspend bool         `json:"can_suspend"`
	CanUnload  bool         `json:"can_unload"`
}

type startParams struct {
	Shared     []wireExport `json:"shared,omitempty"`
	ActiveMods []ModInfo    `json:"active_mods,omitempty"`
}

// SubprocessConfig configures the subprocess backend.
type SubprocessConfig struct {
	Handshake       HandshakeConfig `json:"handshake" yaml:"handshake"`
	Args            []string        `json:"args,omitempty" yaml:"args,omitempty"`
	Env             []string        `json:"env,omitempty" yaml:"env,omitempty"`
	StartTimeout    time.Duration   `json:"start_timeout" yaml:"start_timeout"`
	CallTimeout     time.Duration   `json:"call_timeout" yaml:"call_timeout"`
	ShutdownTimeout time.Duration   `json:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// DefaultSubprocessConfig returns the default subprocess configuration.
func DefaultSubprocessConfig() SubprocessConfig {
	return SubprocessConfig{
		Handshake:       DefaultHandshakeConfig,
		StartTimeout:    10 * time.Second,
		CallTimeout:     30 * time.Second,
		ShutdownTimeout: 5 * time.Second,
	}
}

// ApplyDefaults fills zero values.
func (c *SubprocessConfig) ApplyDefaults() {
	d := DefaultSubprocessConfig()
	if c.Handshake.ProtocolVersion == 0 {
		c.Handshake = d.Handshake
	}
	if c.StartTimeout <= 0 {
		c.StartTimeout = d.StartTimeout
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = d.CallTimeout
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = d.ShutdownTimeout
	}
}

// Validate checks the configuration.
func (c *SubprocessConfig) Validate() error {
	if err := c.Handshake.Validate(); err != nil {
		return NewConfigValidationError("invalid handshake configuration", err)
	}
	if c.StartTimeout < 0 || c.CallTimeout < 0 || c.ShutdownTimeout < 0 {
		return NewConfigValidationError("subprocess timeouts cannot be negative", nil)
	}
	return nil
}

// SubprocessBackend runs mods as child processes.
type SubprocessBackend struct {
	config SubprocessConfig
	logger Logger
}

// NewSubprocessBackend creates a subprocess backend.
func NewSubprocessBackend(config SubprocessConfig, logger Logger) *SubprocessBackend {
	config.ApplyDefaults()
	if logger == nil {
		logger = DefaultLogger()
	}
	return &SubprocessBackend{config: config, logger: logger}
}

// Name implements IsolationBackend.
func (b *SubprocessBackend) Name() string {
	return BackendSubprocess
}

// Supports implements IsolationBackend. With an explicit subprocess runtime
// any existing file qualifies; otherwise the file must look executable.
func (b *SubprocessBackend) Supports(entry ModEntry) bool {
	path := entry.ResolvedEntryPath()
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return false
	}
	if entry.Manifest.Runtime == RuntimeSubprocess {
		return true
	}
	if runtime.GOOS == "windows" {
		return strings.HasSuffix(strings.ToLower(path), ".exe")
	}
	return info.Mode().Perm()&0o111 != 0
}

// Open implements IsolationBackend. The child is not tied to ctx, which only
// bounds the startup handshake.
func (b *SubprocessBackend) Open(ctx context.Context, req ContextRequest) (IsolatedUnit, error) {
	m := req.Entry.Manifest
	logger := req.Logger
	if logger == nil {
		logger = b.logger
	}

	session, err := GenerateSecureID()
	if err != nil {
		return nil, err
	}

	path := req.Entry.ResolvedEntryPath()
	cmd := exec.Command(path, b.config.Args...) // #nosec G204 -- path comes from a mod manifest the user installed
	cmd.Dir = req.Entry.Directory()
	cmd.Env = append(b.config.Handshake.PrepareEnvironment(HandshakeInfo{
		ModID:         m.ModID,
		ModDirectory:  req.Entry.Directory(),
		SessionID:     session,
		LoaderVersion: LoaderVersion,
	}), b.config.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, NewSubprocessError("failed to open mod stdin", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, NewSubprocessError("failed to open mod stdout", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, NewSubprocessError("failed to open mod stderr", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, NewSubprocessError("failed to start mod process", err).WithContext("path", path)
	}
	logger.Info("Mod process started", "pid", cmd.Process.Pid, "path", path)

	unit := &subprocessUnit{
		cmd:     cmd,
		stdin:   stdin,
		client:  newSubprocessClient(stdin, logger),
		config:  b.config,
		logger:  logger,
		exited:  make(chan struct{}),
		session: session,
	}
	stderrDone := make(chan struct{})
	go unit.client.readLoop(stdout)
	go func() {
		defer close(stderrDone)
		forwardStderr(stderr, logger)
	}()
	// Wait closes the pipes, so it only runs once both readers hit EOF.
	go func() {
		<-unit.client.done
		<-stderrDone
		unit.waitErr = cmd.Wait()
		close(unit.exited)
	}()

	startCtx, cancel := context.WithTimeout(ctx, b.config.StartTimeout)
	defer cancel()

	var desc describeResult
	if err := unit.client.call(startCtx, methodDescribe, nil, &desc); err != nil {
		unit.kill()
		return nil, NewHandshakeError("mod process did not answer describe", err)
	}
	if desc.SessionID != session {
		unit.kill()
		return nil, NewHandshakeError("mod process answered with a foreign session id", nil)
	}

	unit.mod = &subprocessMod{unit: unit, desc: desc}
	return unit, nil
}

func forwardStderr(r io.Reader, logger Logger) {
	defer withStackRecover(logger, "subprocess_stderr")()
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		logger.Debug("Mod stderr", "line", scanner.Text())
	}
}

type subprocessUnit struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	client  *subprocessClient
	config  SubprocessConfig
	logger  Logger
	session string
	mod     *subprocessMod

	exited  chan struct{}
	waitErr error
	closed  atomic.Bool
}

func (u *subprocessUnit) Mod() Mod {
	return u.mod
}

// Close asks the mod to shut down, then escalates to a termination signal
// and finally a kill when the process does not exit in time.
func (u *subprocessUnit) Close(ctx context.Context) error {
	if !u.closed.CompareAndSwap(false, true) {
		return nil
	}

	callCtx, cancel := context.WithTimeout(ctx, u.config.ShutdownTimeout)
	defer cancel()
	if err := u.client.call(callCtx, methodShutdown, nil, nil); err != nil {
		u.logger.Debug("Mod did not acknowledge shutdown", "error", err)
	}
	_ = u.stdin.Close()

	select {
	case <-u.exited:
		return nil
	case <-time.After(u.config.ShutdownTimeout):
	case <-ctx.Done():
	}

	if err := u.cmd.Process.Signal(terminationSignal()); err != nil {
		u.logger.Warn("Failed to send termination signal", "error", err)
	}
	select {
	case <-u.exited:
		return nil
	case <-time.After(u.config.ShutdownTimeout):
		u.kill()
		return NewSubprocessError("mod process had to be killed", nil)
	}
}

func (u *subprocessUnit) kill() {
	u.closed.Store(true)
	if u.cmd.Process != nil {
		if err := u.cmd.Process.Kill(); err != nil {
			u.logger.Debug("Failed to kill mod process", "error", err)
		}
	}
	_ = u.stdin.Close()
}

// terminationSignal returns SIGTERM, or os.Kill on Windows where SIGTERM
// cannot be delivered.
func terminationSignal() os.Signal {
	if runtime.GOOS == "windows" {
		return os.Kill
	}
	return syscall.SIGTERM
}

// subprocessMod is the loader-side proxy of a mod running in a child process.
type subprocessMod struct {
	unit *subprocessUnit
	desc describeResult
}

func (p *subprocessMod) call(method string, params any) error {
	ctx, cancel := context.WithTimeout(context.Background(), p.unit.config.CallTimeout)
	defer cancel()
	return p.unit.client.call(ctx, method, params, nil)
}

func (p *subprocessMod) Start(host ModHost) error {
	params := startParams{ActiveMods: host.ActiveMods()}
	shared := host.Shared()
	for _, name := range shared.Names() {
		t, _ := shared.Lookup(name)
		def, err := json.Marshal(t.Definition)
		if err != nil {
			p.unit.logger.Debug("Shared definition is not serializable, sending name only", "name", name)
			def = nil
		}
		params.Shared = append(params.Shared, wireExport{Name: name, Definition: def})
	}
	return p.call(methodStart, params)
}

func (p *subprocessMod) Suspend() error { return p.call(methodSuspend, nil) }
func (p *subprocessMod) Resume() error  { return p.call(methodResume, nil) }
func (p *subprocessMod) Unload() error  { return p.call(methodUnload, nil) }

func (p *subprocessMod) CanSuspend() bool { return p.desc.CanSuspend }
func (p *subprocessMod) CanUnload() bool  { return p.desc.CanUnload }

func (p *subprocessMod) Exports() []ExportedType {
	out := make([]ExportedType, 0, len(p.desc.Exports))
	for _, e := range p.desc.Exports {
		out = append(out, ExportedType{Name: e.Name, Definition: e.Definition})
	}
	return out
}

// subprocessClient multiplexes requests over one stdin/stdout pair.
type subprocessClient struct {
	logger Logger

	writeMu sync.Mutex
	enc     *json.Encoder

	mu      sync.Mutex
	pending map[uint64]chan subprocessResponse
	nextID  atomic.Uint64
	done    chan struct{}
	doneErr error
}

func newSubprocessClient(w io.Writer, logger Logger) *subprocessClient {
	return &subprocessClient{
		logger:  logger,
		enc:     json.NewEncoder(w),
		pending: make(map[uint64]chan subprocessResponse),
		done:    make(chan struct{}),
	}
}

func (c *subprocessClient) call(ctx context.Context, method string, params, out any) error {
	req := subprocessRequest{ID: c.nextID.Add(1), Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return NewProtocolError("failed to encode subprocess request", err)
		}
		req.Params = raw
	}

	ch := make(chan subprocessResponse, 1)
	c.mu.Lock()
	select {
	case <-c.done:
		err := c.doneErr
		c.mu.Unlock()
		return NewSubprocessError("mod process is gone", err)
	default:
	}
	c.pending[req.ID] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
	}()

	c.writeMu.Lock()
	err := c.enc.Encode(&req)
	c.writeMu.Unlock()
	if err != nil {
		return NewSubprocessError("failed to write subprocess request", err)
	}

	select {
	case resp := <-ch:
		if resp.Error != "" {
			return NewRemoteFailureError(resp.Error).WithContext("method", method)
		}
		if out != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, out); err != nil {
				return NewProtocolError("failed to decode subprocess response", err)
			}
		}
		return nil
	case <-c.done:
		return NewSubprocessError("mod process exited during "+method, c.doneErr)
	case <-ctx.Done():
		return NewSubprocessError("subprocess call timed out", ctx.Err()).WithContext("method", method)
	}
}

func (c *subprocessClient) readLoop(r io.Reader) {
	defer withStackRecover(c.logger, "subprocess_reader")()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var resp subprocessResponse
		if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
			c.logger.Warn("Discarding malformed line from mod process", "error", err)
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		c.mu.Unlock()
		if !ok {
			c.logger.Debug("Discarding response to an unknown request", "id", resp.ID)
			continue
		}
		// The waiter may have timed out, and a duplicate id finds the buffer
		// full; neither may stall the reader.
		select {
		case ch <- resp:
		default:
			c.logger.Warn("Discarding duplicate response from mod process", "id", resp.ID)
		}
	}

	c.mu.Lock()
	c.doneErr = scanner.Err()
	if c.doneErr == nil {
		c.doneErr = io.EOF
	}
	close(c.done)
	c.mu.Unlock()
}
