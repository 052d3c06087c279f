// subprocess_test.go: Subprocess backend and serve loop tests
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package modloader

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The test binary doubles as a subprocess mod when helperModEnv is set.
const (
	helperModEnv         = "MODLOADER_TEST_HELPER"
	helperModFailEnv     = "MODLOADER_TEST_HELPER_FAIL"
	helperModFarewellEnv = "MODLOADER_TEST_HELPER_FAREWELL"
)

func TestMain(m *testing.M) {
	if os.Getenv(helperModEnv) == "1" {
		os.Exit(runHelperMod())
	}
	os.Exit(m.Run())
}

// helperMod is the mod served by the helper process.
type helperMod struct {
	failStart bool
	suspended bool
}

func (m *helperMod) Start(host ModHost) error {
	if m.failStart {
		return fmt.Errorf("helper refused to start")
	}
	return nil
}

func (m *helperMod) Suspend() error { m.suspended = true; return nil }
func (m *helperMod) Resume() error  { m.suspended = false; return nil }
func (m *helperMod) Unload() error  { return nil }

func (m *helperMod) Exports() []ExportedType {
	return []ExportedType{{Name: "Greeting", Definition: map[string]string{"text": "hello"}}}
}

func runHelperMod() int {
	err := ServeMod(func(*ModContext) (Mod, error) {
		return &helperMod{failStart: os.Getenv(helperModFailEnv) == "start"}, nil
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if line := os.Getenv(helperModFarewellEnv); line != "" {
		fmt.Fprintln(os.Stderr, line)
	}
	return 0
}

func subprocessRig(t *testing.T, env ...string) (*LifecycleManager, *IsolationHost, ModEntry) {
	lifecycle, host, entry, _ := subprocessRigWithLogger(t, env...)
	return lifecycle, host, entry
}

func subprocessRigWithLogger(t *testing.T, env ...string) (*LifecycleManager, *IsolationHost, ModEntry, *TestLogger) {
	t.Helper()
	if runtime.GOOS == "js" || runtime.GOOS == "wasip1" {
		t.Skip("no subprocesses on this platform")
	}
	exe, err := os.Executable()
	require.NoError(t, err)

	config := DefaultSubprocessConfig()
	config.Env = append([]string{helperModEnv + "=1"}, env...)
	config.StartTimeout = 20 * time.Second
	config.ShutdownTimeout = 2 * time.Second

	logger := NewTestLogger()
	host := NewIsolationHost(NewExportRegistry(), NewMemoryManifestStore(), logger, NewSubprocessBackend(config, logger))
	lifecycle := NewLifecycleManager(host, logger, NewLifecycleMetrics(nil))

	modDir := filepath.Join(t.TempDir(), "remote")
	require.NoError(t, os.MkdirAll(modDir, 0750))
	entry := ModEntry{
		Path: filepath.Join(modDir, ModConfigFileName),
		Manifest: &ModManifest{
			ModID:     "remote",
			Version:   "1.0.0",
			EntryPath: exe,
			Runtime:   RuntimeSubprocess,
		},
	}
	return lifecycle, host, entry, logger
}

func TestSubprocessBackend_Lifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns processes")
	}
	ctx := context.Background()
	lifecycle, host, entry := subprocessRig(t)

	require.NoError(t, lifecycle.LoadBatch(ctx, []ModEntry{entry}, BatchOptions{}))

	inst, ok := lifecycle.Instance("remote")
	require.True(t, ok)
	assert.Equal(t, BackendSubprocess, inst.Backend)
	assert.True(t, inst.CanSuspend)
	assert.True(t, inst.CanUnload)
	assert.True(t, inst.HasExports)

	exports := host.Exports().ExportsOf("remote")
	require.Len(t, exports, 1)
	assert.Equal(t, "Greeting", exports[0].Name)

	require.NoError(t, lifecycle.Suspend(ctx, "remote"))
	require.NoError(t, lifecycle.Resume(ctx, "remote"))
	require.NoError(t, lifecycle.Unload(ctx, "remote"))
	assert.Equal(t, 0, host.Contexts())
}

func TestSubprocessBackend_StartFailure(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns processes")
	}
	lifecycle, host, entry := subprocessRig(t, helperModFailEnv+"=start")

	err := lifecycle.LoadBatch(context.Background(), []ModEntry{entry}, BatchOptions{})
	require.Error(t, err)
	assert.True(t, IsErrorCode(err, ErrCodeRuntimeLoadError))
	assert.True(t, chainContains(err, "helper refused to start"), "got %v", err)

	var pathErr *fs.PathError
	assert.False(t, errors.As(err, &pathErr), "process must have started: %v", err)

	assert.False(t, lifecycle.IsLoaded("remote"))
	assert.Equal(t, 0, host.Contexts())
}

func TestSubprocessBackend_DrainsOutputBeforeExit(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns processes")
	}
	ctx := context.Background()
	lifecycle, _, entry, logger := subprocessRigWithLogger(t, helperModFarewellEnv+"=last words")

	require.NoError(t, lifecycle.LoadBatch(ctx, []ModEntry{entry}, BatchOptions{}))
	require.NoError(t, lifecycle.Unload(ctx, "remote"))

	found := false
	for _, msg := range logger.Messages {
		if msg.Message != "Mod stderr" {
			continue
		}
		for _, arg := range msg.Args {
			if arg == "last words" {
				found = true
			}
		}
	}
	assert.True(t, found, "stderr written just before exit is forwarded before Close returns")
}

// chainContains reports whether any error in err's chain mentions text.
func chainContains(err error, text string) bool {
	for ; err != nil; err = errors.Unwrap(err) {
		if strings.Contains(err.Error(), text) {
			return true
		}
	}
	return false
}

func TestSubprocessClient_ReaderSurvivesStrayResponses(t *testing.T) {
	logger := NewTestLogger()
	client := newSubprocessClient(io.Discard, logger)

	waiting := make(chan subprocessResponse, 1)
	client.mu.Lock()
	client.pending[7] = waiting
	client.mu.Unlock()

	stream := strings.Join([]string{
		`{"id":7,"result":{"n":1}}`,
		`{"id":7,"result":{"n":2}}`,
		`{"id":7,"result":{"n":3}}`,
		`{"id":99,"result":{}}`,
		"",
	}, "\n")

	finished := make(chan struct{})
	go func() {
		client.readLoop(strings.NewReader(stream))
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatal("reader blocked on a response nobody is waiting for")
	}

	resp := <-waiting
	assert.JSONEq(t, `{"n":1}`, string(resp.Result))
	assert.Equal(t, 2, logger.Count("WARN"))
	select {
	case <-client.done:
	default:
		t.Fatal("reader did not report the end of the stream")
	}
}

func TestSubprocessBackend_Supports(t *testing.T) {
	dir := t.TempDir()
	backend := NewSubprocessBackend(DefaultSubprocessConfig(), NewTestLogger())

	script := filepath.Join(dir, "mod.bin")
	require.NoError(t, os.WriteFile(script, []byte("data"), 0600))
	entry := ModEntry{Path: filepath.Join(dir, ModConfigFileName), Manifest: &ModManifest{ModID: "m", EntryPath: "mod.bin"}}

	if runtime.GOOS != "windows" {
		assert.False(t, backend.Supports(entry), "non-executable file without runtime hint")
	}
	entry.Manifest.Runtime = RuntimeSubprocess
	assert.True(t, backend.Supports(entry))

	entry.Manifest.EntryPath = "missing.bin"
	assert.False(t, backend.Supports(entry))
}

// serveRequests feeds requests to an in-process serve loop and returns the
// responses in order.
func serveRequests(t *testing.T, mod Mod, requests ...subprocessRequest) []subprocessResponse {
	t.Helper()
	hs := DefaultHandshakeConfig
	t.Setenv(hs.MagicCookieKey, hs.MagicCookieValue)
	t.Setenv(EnvProtocolVersion, "1")
	t.Setenv(EnvModID, "local")
	t.Setenv(EnvSessionID, "session-1")

	var in bytes.Buffer
	enc := json.NewEncoder(&in)
	for _, r := range requests {
		require.NoError(t, enc.Encode(&r))
	}
	in.WriteString("this is not json\n")

	var out bytes.Buffer
	err := ServeModWithOptions(func(*ModContext) (Mod, error) { return mod, nil }, ServeOptions{
		Stdin:  &in,
		Stdout: &out,
		Logger: NewTestLogger(),
	})
	require.NoError(t, err)

	var responses []subprocessResponse
	scanner := bufio.NewScanner(&out)
	for scanner.Scan() {
		var resp subprocessResponse
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &resp))
		responses = append(responses, resp)
	}
	return responses
}

func TestServeMod_Protocol(t *testing.T) {
	t.Run("DescribeAndCalls", func(t *testing.T) {
		mod := &helperMod{}
		start, _ := json.Marshal(startParams{ActiveMods: []ModInfo{{ModID: "other", State: StateActive}}})
		responses := serveRequests(t, mod,
			subprocessRequest{ID: 1, Method: methodDescribe},
			subprocessRequest{ID: 2, Method: methodStart, Params: start},
			subprocessRequest{ID: 3, Method: methodSuspend},
			subprocessRequest{ID: 4, Method: "teleport"},
		)
		require.Len(t, responses, 4)

		var desc describeResult
		require.NoError(t, json.Unmarshal(responses[0].Result, &desc))
		assert.Equal(t, "session-1", desc.SessionID)
		assert.True(t, desc.CanSuspend)
		assert.True(t, desc.CanUnload)
		require.Len(t, desc.Exports, 1)
		assert.JSONEq(t, `{"text":"hello"}`, string(desc.Exports[0].Definition))

		assert.Empty(t, responses[1].Error)
		assert.Empty(t, responses[2].Error)
		assert.True(t, mod.suspended)
		assert.Contains(t, responses[3].Error, "unknown method")
	})

	t.Run("ShutdownEndsLoop", func(t *testing.T) {
		responses := serveRequests(t, &plainMod{id: "p", log: &callLog{}},
			subprocessRequest{ID: 1, Method: methodSuspend},
			subprocessRequest{ID: 2, Method: methodShutdown},
			subprocessRequest{ID: 3, Method: methodDescribe},
		)
		require.Len(t, responses, 2)
		assert.NotEmpty(t, responses[0].Error)
		assert.Equal(t, uint64(2), responses[1].ID)
	})

	t.Run("RefusesManualLaunch", func(t *testing.T) {
		t.Setenv(DefaultHandshakeConfig.MagicCookieKey, "wrong")
		err := ServeModWithOptions(func(*ModContext) (Mod, error) { return &helperMod{}, nil }, ServeOptions{
			Stdin:  strings.NewReader(""),
			Stdout: &bytes.Buffer{},
		})
		assert.True(t, IsErrorCode(err, ErrCodeHandshakeError))
	})
}

func TestHandshakeConfig(t *testing.T) {
	t.Run("Validate", func(t *testing.T) {
		valid := DefaultHandshakeConfig
		assert.NoError(t, valid.Validate())

		noVersion := valid
		noVersion.ProtocolVersion = 0
		assert.Error(t, noVersion.Validate())

		badKey := valid
		badKey.MagicCookieKey = "1-bad key"
		assert.Error(t, badKey.Validate())

		noValue := valid
		noValue.MagicCookieValue = ""
		assert.Error(t, noValue.Validate())
	})

	t.Run("EnvironmentRoundTrip", func(t *testing.T) {
		hs := DefaultHandshakeConfig
		env := hs.PrepareEnvironment(HandshakeInfo{ModID: "m", ModDirectory: "/mods/m", SessionID: "s", LoaderVersion: LoaderVersion})
		for _, kv := range env {
			k, v, _ := strings.Cut(kv, "=")
			if strings.HasPrefix(k, "MODLOADER_") {
				t.Setenv(k, v)
			}
		}

		info, err := hs.ValidateEnvironment()
		require.NoError(t, err)
		assert.Equal(t, "m", info.ModID)
		assert.Equal(t, "/mods/m", info.ModDirectory)
		assert.Equal(t, LoaderVersion, info.LoaderVersion)

		t.Setenv(EnvProtocolVersion, "2")
		_, err = hs.ValidateEnvironment()
		assert.True(t, IsErrorCode(err, ErrCodeHandshakeError))
	})

	t.Run("SecureIDsDiffer", func(t *testing.T) {
		a, err := GenerateSecureID()
		require.NoError(t, err)
		b, err := GenerateSecureID()
		require.NoError(t, err)
		assert.Len(t, a, 32)
		assert.NotEqual(t, a, b)
	})
}
