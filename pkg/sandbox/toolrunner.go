package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"os"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"

	"github.com/rabruni/Brain-Garden-sub005/pkg/workorder"
)

// ToolResult carries a tool invocation's streams and exit code.
type ToolResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// ToolRunner executes WASI tools with a filesystem view limited to one
// sandbox: /tmp maps to the session tmp root, /out to the output root.
// Nothing outside the sandbox is mountable.
type ToolRunner struct {
	runtime wazero.Runtime
}

func NewToolRunner(ctx context.Context) *ToolRunner {
	r := wazero.NewRuntime(ctx)
	wasi_snapshot_preview1.MustInstantiate(ctx, r)
	return &ToolRunner{runtime: r}
}

// Close releases compiled modules.
func (tr *ToolRunner) Close(ctx context.Context) error {
	return tr.runtime.Close(ctx)
}

// Run executes the tool binary at wasmPath inside sb with the given argv.
// Non-zero tool exits are reported in the result, not as an error.
func (tr *ToolRunner) Run(ctx context.Context, sb *Sandbox, wasmPath string, args []string) (*ToolResult, error) {
	wasm, err := os.ReadFile(wasmPath)
	if err != nil {
		return nil, fmt.Errorf("sandbox: reading tool %s: %w", wasmPath, err)
	}

	var stdout, stderr bytes.Buffer
	fsCfg := wazero.NewFSConfig().
		WithDirMount(sb.TmpRoot, "/tmp").
		WithDirMount(sb.OutRoot, "/out")

	cfg := wazero.NewModuleConfig().
		WithStdout(&stdout).
		WithStderr(&stderr).
		WithFSConfig(fsCfg).
		WithArgs(append([]string{"tool"}, args...)...).
		WithEnv("TMPDIR", "/tmp")

	res := &ToolResult{}
	_, err = tr.runtime.InstantiateWithConfig(ctx, wasm, cfg)
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()
	if err != nil {
		if exitErr, ok := err.(*sys.ExitError); ok {
			res.ExitCode = int(exitErr.ExitCode())
			return res, nil
		}
		return nil, fmt.Errorf("sandbox: tool %s: %w", wasmPath, err)
	}
	return res, nil
}

// WasmTool exposes one WASI module as an invokable work-order tool, bound to
// a single sandbox's mounts.
type WasmTool struct {
	Runner *ToolRunner
	Box    *Sandbox
	Path   string
}

func (t *WasmTool) Invoke(ctx context.Context, args []string, _ workorder.InputContext) (map[string]any, error) {
	res, err := t.Runner.Run(ctx, t.Box, t.Path, args)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("sandbox: tool %s exited %d: %s", t.Path, res.ExitCode, res.Stderr)
	}
	return map[string]any{"stdout": res.Stdout, "stderr": res.Stderr, "exit_code": res.ExitCode}, nil
}
