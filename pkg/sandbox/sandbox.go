// Package sandbox runs tenant-supplied custom constraints as WebAssembly
// modules under wazero. Deny-by-default: no filesystem, no network, no
// environment, memory and CPU bounded. A constraint module reads the
// evaluation input as JSON on stdin and writes a verdict as JSON on stdout.
package sandbox

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/vorion-labs/vorion/core/pkg/contracts"
)

// Config bounds every module execution.
type Config struct {
	// MemoryLimitBytes caps linear memory. Zero means the wazero default.
	MemoryLimitBytes int64
	// ExecutionTimeout bounds one run. Defaults to 100ms to match the
	// per-constraint budget on the decision path.
	ExecutionTimeout time.Duration
}

// DefaultConfig bounds modules to 16 MiB and 100ms.
func DefaultConfig() Config {
	return Config{
		MemoryLimitBytes: 16 << 20,
		ExecutionTimeout: 100 * time.Millisecond,
	}
}

// Verdict is what a constraint module writes to stdout.
type Verdict struct {
	Passed bool                    `json:"passed"`
	Action contracts.ControlAction `json:"action,omitempty"`
	Reason string                  `json:"reason,omitempty"`
}

// Input is what a constraint module reads from stdin.
type Input struct {
	Intent      contracts.Intent `json:"intent"`
	Entity      contracts.Entity `json:"entity"`
	Environment map[string]any   `json:"environment,omitempty"`
}

// Runner compiles and executes constraint modules. Compiled modules are
// cached by content hash; registering the same bytes twice is free.
type Runner struct {
	runtime wazero.Runtime
	cfg     Config

	mu      sync.RWMutex
	modules map[string]wazero.CompiledModule // constraint id -> compiled
	hashes  map[string]string                // constraint id -> content hash
}

// NewRunner builds a runner with deny-by-default WASI.
func NewRunner(ctx context.Context, cfg Config) (*Runner, error) {
	if cfg.ExecutionTimeout <= 0 {
		cfg.ExecutionTimeout = DefaultConfig().ExecutionTimeout
	}
	runtimeCfg := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if cfg.MemoryLimitBytes > 0 {
		pages := uint32(cfg.MemoryLimitBytes / (64 * 1024))
		if pages == 0 {
			pages = 1
		}
		runtimeCfg = runtimeCfg.WithMemoryLimitPages(pages)
	}
	r := wazero.NewRuntimeWithConfig(ctx, runtimeCfg)

	// Only stdio is wired. No filesystem mounts, no env, no randomness.
	wasi_snapshot_preview1.MustInstantiate(ctx, r)

	return &Runner{
		runtime: r,
		cfg:     cfg,
		modules: make(map[string]wazero.CompiledModule),
		hashes:  make(map[string]string),
	}, nil
}

// Register compiles a constraint module and caches it under the constraint
// id. Returns the content hash the module is pinned to.
func (r *Runner) Register(ctx context.Context, constraintID string, wasm []byte) (string, error) {
	sum := sha256.Sum256(wasm)
	hash := hex.EncodeToString(sum[:])

	r.mu.RLock()
	if r.hashes[constraintID] == hash {
		r.mu.RUnlock()
		return hash, nil
	}
	r.mu.RUnlock()

	compiled, err := r.runtime.CompileModule(ctx, wasm)
	if err != nil {
		return "", fmt.Errorf("sandbox: compile constraint %s: %w", constraintID, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.modules[constraintID]; ok {
		_ = old.Close(ctx)
	}
	r.modules[constraintID] = compiled
	r.hashes[constraintID] = hash
	return hash, nil
}

// Unregister drops a constraint module.
func (r *Runner) Unregister(ctx context.Context, constraintID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if compiled, ok := r.modules[constraintID]; ok {
		_ = compiled.Close(ctx)
		delete(r.modules, constraintID)
		delete(r.hashes, constraintID)
	}
}

// Registered reports whether a constraint module is available.
func (r *Runner) Registered(constraintID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.modules[constraintID]
	return ok
}

// Run executes a registered constraint over one evaluation input. A module
// that exceeds its budget, crashes, or emits malformed output yields a
// failing verdict with the error, never a panic.
func (r *Runner) Run(ctx context.Context, constraintID string, input Input) (Verdict, error) {
	r.mu.RLock()
	compiled, ok := r.modules[constraintID]
	r.mu.RUnlock()
	if !ok {
		return Verdict{}, fmt.Errorf("sandbox: constraint %s not registered", constraintID)
	}

	payload, err := json.Marshal(input)
	if err != nil {
		return Verdict{}, fmt.Errorf("sandbox: marshal input: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.ExecutionTimeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	modCfg := wazero.NewModuleConfig().
		WithName(""). // anonymous so concurrent runs don't collide
		WithStartFunctions("_start").
		WithStdin(bytes.NewReader(payload)).
		WithStdout(&stdout).
		WithStderr(&stderr)

	mod, err := r.runtime.InstantiateModule(ctx, compiled, modCfg)
	if err != nil {
		if ctx.Err() != nil {
			return Verdict{}, fmt.Errorf("sandbox: constraint %s exceeded %v budget", constraintID, r.cfg.ExecutionTimeout)
		}
		return Verdict{}, fmt.Errorf("sandbox: constraint %s failed: %w (stderr: %s)", constraintID, err, stderr.String())
	}
	defer mod.Close(context.WithoutCancel(ctx))

	var verdict Verdict
	if err := json.Unmarshal(stdout.Bytes(), &verdict); err != nil {
		return Verdict{}, fmt.Errorf("sandbox: constraint %s emitted malformed verdict: %w", constraintID, err)
	}
	if verdict.Action != "" && !verdict.Action.Valid() {
		return Verdict{}, fmt.Errorf("sandbox: constraint %s emitted unknown action %q", constraintID, verdict.Action)
	}
	return verdict, nil
}

// Close shuts the runtime down, freeing all compiled modules.
func (r *Runner) Close(ctx context.Context) error {
	return r.runtime.Close(ctx)
}
