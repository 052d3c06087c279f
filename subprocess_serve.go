// subprocess_serve.go: Mod-side serve loop for subprocess mods
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package modloader

import (
	"bufio"
	"encoding/json"
	"io"
	"os"
	"sync"
)

// ServeOptions configures ServeModWithOptions.
type ServeOptions struct {
	Handshake HandshakeConfig
	Stdin     io.Reader
	Stdout    io.Writer
	Logger    Logger
}

// ServeMod runs the serve loop of a subprocess mod on stdin and stdout. It
// returns when the loader asks the mod to shut down or closes stdin.
//
//	func main() {
//	    if err := modloader.ServeMod(newMyMod); err != nil {
//	        fmt.Fprintln(os.Stderr, err)
//	        os.Exit(1)
//	    }
//	}
func ServeMod(factory ModFactory) error {
	return ServeModWithOptions(factory, ServeOptions{})
}

// ServeModWithOptions is ServeMod with explicit streams and handshake.
func ServeModWithOptions(factory ModFactory, opts ServeOptions) error {
	if opts.Handshake.ProtocolVersion == 0 {
		opts.Handshake = DefaultHandshakeConfig
	}
	if opts.Stdin == nil {
		opts.Stdin = os.Stdin
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	logger := NewLogger(opts.Logger)

	info, err := opts.Handshake.ValidateEnvironment()
	if err != nil {
		return err
	}

	host := &remoteHost{
		info:        *info,
		logger:      logger,
		controllers: make(map[string]any),
	}
	mod, err := factory(&ModContext{
		ModID:     info.ModID,
		Directory: info.ModDirectory,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	if mod == nil {
		return NewBackendError(BackendSubprocess, "factory returned a nil mod", nil)
	}

	enc := json.NewEncoder(opts.Stdout)
	scanner := bufio.NewScanner(opts.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		var req subprocessRequest
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			logger.Warn("Discarding malformed request", "error", err)
			continue
		}

		result, herr := serveRequest(mod, host, req, logger)
		resp := subprocessResponse{ID: req.ID}
		if herr != nil {
			resp.Error = herr.Error()
		} else if result != nil {
			raw, err := json.Marshal(result)
			if err != nil {
				resp.Error = err.Error()
			} else {
				resp.Result = raw
			}
		}
		if err := enc.Encode(&resp); err != nil {
			return NewSubprocessError("failed to write response", err)
		}
		if req.Method == methodShutdown {
			return nil
		}
	}
	return scanner.Err()
}

func serveRequest(mod Mod, host *remoteHost, req subprocessRequest, logger Logger) (result any, err error) {
	err = callRecovered(logger, "subprocess_"+req.Method, func() error {
		switch req.Method {
		case methodDescribe:
			canSuspend, _ := capabilitiesOf(mod)
			canUnload := true
			if reporter, ok := mod.(CapabilityReporter); ok {
				canUnload = reporter.CanUnload()
			}
			desc := describeResult{
				SessionID:  host.info.SessionID,
				CanSuspend: canSuspend,
				CanUnload:  canUnload,
			}
			if exporter, ok := mod.(Exporter); ok {
				for _, t := range exporter.Exports() {
					def, merr := json.Marshal(t.Definition)
					if merr != nil {
						def = nil
					}
					desc.Exports = append(desc.Exports, wireExport{Name: t.Name, Definition: def})
				}
			}
			result = desc
			return nil

		case methodStart:
			var params startParams
			if len(req.Params) > 0 {
				if uerr := json.Unmarshal(req.Params, &params); uerr != nil {
					return NewProtocolError("invalid start parameters", uerr)
				}
			}
			host.setStart(params)
			return mod.Start(host)

		case methodSuspend, methodResume:
			s, ok := mod.(Suspender)
			if !ok {
				return NewUnsupportedOperationError(host.info.ModID, req.Method)
			}
			if req.Method == methodSuspend {
				return s.Suspend()
			}
			return s.Resume()

		case methodUnload:
			if u, ok := mod.(Unloader); ok {
				return u.Unload()
			}
			return nil

		case methodShutdown:
			return nil

		default:
			return NewProtocolError("unknown method "+req.Method, nil)
		}
	})
	return result, err
}

// remoteHost is the ModHost seen by a mod running in a child process. It
// exposes what the loader sent at start; controllers stay local to the child.
type remoteHost struct {
	info   HandshakeInfo
	logger Logger

	mu          sync.RWMutex
	shared      SharedTypes
	active      []ModInfo
	controllers map[string]any
}

func (h *remoteHost) setStart(p startParams) {
	view := SharedTypes{
		types:     make(map[string]ExportedType, len(p.Shared)),
		providers: make(map[string]string, len(p.Shared)),
	}
	for _, e := range p.Shared {
		view.types[e.Name] = ExportedType{Name: e.Name, Definition: e.Definition}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.shared = view
	h.active = p.ActiveMods
}

func (h *remoteHost) LoaderVersion() string { return h.info.LoaderVersion }

func (h *remoteHost) ActiveMods() []ModInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]ModInfo(nil), h.active...)
}

func (h *remoteHost) ModDirectory(modID string) (string, bool) {
	if modID == h.info.ModID {
		return h.info.ModDirectory, true
	}
	return "", false
}

func (h *remoteHost) Shared() SharedTypes {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.shared
}

func (h *remoteHost) AddOrReplaceController(name string, controller any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.controllers[name] = controller
}

func (h *remoteHost) GetController(name string) (any, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.controllers[name]
	return c, ok
}

func (h *remoteHost) RemoveController(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.controllers, name)
}

func (h *remoteHost) Logger() Logger { return h.logger }
