package sandbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dop251/goja"
	"github.com/google/uuid"
)

// RuntimeJavaScript is the id of the built-in goja runtime.
const RuntimeJavaScript = "javascript"

// DefaultTimeoutMs bounds runs that specify no timeout.
const DefaultTimeoutMs = 300_000

// JSRuntime executes JavaScript in an embedded goja interpreter. Tool calls
// are synchronous from the script's point of view; user code may still use
// async/await since the whole program runs inside an async wrapper.
type JSRuntime struct{}

// NewJSRuntime creates the goja-backed runtime.
func NewJSRuntime() *JSRuntime {
	return &JSRuntime{}
}

// bootstrap wires the tools namespace: dotted member access proxies into the
// host's __invokeTool, so tools.github.search_code({q}) dispatches the path
// "github.search_code". tools.call("a.b", input) is the explicit form and
// tools.discover(input) reaches the builtin directly.
const bootstrap = `
const tools = new Proxy({}, {
	get(_, ns) {
		if (ns === 'call') {
			return (path, input) => __invokeTool(String(path), input || {});
		}
		if (ns === 'discover') {
			return (input) => __invokeTool('discover', input || {});
		}
		if (typeof ns === 'symbol') { return undefined; }
		return new Proxy({}, {
			get(_, name) {
				if (typeof name === 'symbol') { return undefined; }
				return (input) => __invokeTool(ns + '.' + name, input || {});
			}
		});
	}
});
const console = {
	log: (...args) => __emitOutput('stdout', args.map(__format).join(' ')),
	error: (...args) => __emitOutput('stderr', args.map(__format).join(' ')),
};
function __format(v) {
	if (typeof v === 'string') { return v; }
	try { return JSON.stringify(v); } catch (_) { return String(v); }
}
`

// Execute runs one script. The timeout fires a VM interrupt; an interrupted
// run reports TimedOut.
func (r *JSRuntime) Execute(ctx context.Context, exec Execution, adapter Adapter) Result {
	timeout := time.Duration(exec.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = DefaultTimeoutMs * time.Millisecond
	}

	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))

	var out outputBuffers
	if err := r.install(ctx, vm, exec, adapter, &out); err != nil {
		return Result{ExitCode: 1, Err: err}
	}

	timer := time.AfterFunc(timeout, func() { vm.Interrupt("timeout") })
	defer timer.Stop()
	stop := context.AfterFunc(ctx, func() { vm.Interrupt("canceled") })
	defer stop()

	value, err := vm.RunString("(async () => {\n" + exec.Code + "\n})()")
	result := Result{Stdout: out.stdout.String(), Stderr: out.stderr.String()}
	if err != nil {
		return r.finish(result, err)
	}

	// The wrapper returns a promise. With no external event sources every
	// reachable await has settled by the time RunString returns.
	if promise, ok := value.Export().(*goja.Promise); ok {
		switch promise.State() {
		case goja.PromiseStateRejected:
			return r.finish(result, errors.New(rejectionMessage(promise.Result())))
		case goja.PromiseStatePending:
			result.ExitCode = 1
			result.Err = errors.New("script did not run to completion (dangling await)")
			return result
		}
	}
	return result
}

type outputBuffers struct {
	stdout strings.Builder
	stderr strings.Builder
}

func (r *JSRuntime) install(
	ctx context.Context, vm *goja.Runtime, exec Execution, adapter Adapter, out *outputBuffers,
) error {
	invoke := func(toolPath string, input map[string]any) (any, error) {
		callID := "call_" + uuid.NewString()
		return adapter.InvokeTool(ctx, callID, toolPath, input)
	}
	if err := vm.Set("__invokeTool", invoke); err != nil {
		return fmt.Errorf("install tool bridge: %w", err)
	}

	emit := func(stream, line string) {
		switch stream {
		case "stderr":
			out.stderr.WriteString(line + "\n")
		default:
			out.stdout.WriteString(line + "\n")
		}
		adapter.EmitOutput(ctx, stream, line)
	}
	if err := vm.Set("__emitOutput", emit); err != nil {
		return fmt.Errorf("install output bridge: %w", err)
	}

	if _, err := vm.RunString(bootstrap); err != nil {
		return fmt.Errorf("install sandbox bootstrap: %w", err)
	}
	return nil
}

// finish classifies a run error: VM interrupts from the timer are timeouts,
// everything else is a script failure with exit code 1.
func (r *JSRuntime) finish(result Result, err error) Result {
	result.ExitCode = 1

	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		if fmt.Sprintf("%v", interrupted.Value()) == "timeout" {
			result.TimedOut = true
			result.Err = errors.New("execution timed out")
			return result
		}
		result.Err = errors.New("execution canceled")
		return result
	}

	var exception *goja.Exception
	if errors.As(err, &exception) {
		result.Err = errors.New(rejectionMessage(exception.Value()))
		return result
	}
	result.Err = err
	return result
}

// rejectionMessage extracts a readable message from a thrown value or
// promise rejection, preserving Error.message (and with it any denial
// sentinel raised by the tool bridge).
func rejectionMessage(v goja.Value) string {
	if v == nil {
		return "script error"
	}
	if obj, ok := v.(*goja.Object); ok {
		if msg := obj.Get("message"); msg != nil && !goja.IsUndefined(msg) {
			return msg.String()
		}
	}
	return v.String()
}
