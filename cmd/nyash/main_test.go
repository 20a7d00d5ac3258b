package main

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captureStdout redirects os.Stdout for the duration of fn and returns
// whatever was written to it; run() prints directly to os.Stdout rather
// than through a cli.App-scoped writer, so tests exercising it end-to-end
// must capture at the file-descriptor level.
func captureStdout(t *testing.T, fn func()) string {
	t.Helper()
	orig := os.Stdout
	r, w, err := os.Pipe()
	require.NoError(t, err)
	os.Stdout = w
	defer func() { os.Stdout = orig }()

	fn()

	require.NoError(t, w.Close())
	var buf bytes.Buffer
	_, err = io.Copy(&buf, r)
	require.NoError(t, err)
	return buf.String()
}

func writeSource(t *testing.T, src string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "prog.nyash")
	require.NoError(t, os.WriteFile(path, []byte(src), 0o644))
	return path
}

func TestRun_InterpreterBackendPrintsOutput(t *testing.T) {
	path := writeSource(t, `static box Main {
		main() {
			print("Hello, Nyash!")
		}
	}`)

	var code int
	out := captureStdout(t, func() {
		code = run([]string{"nyash", path})
	})
	assert.Equal(t, exitOK, code)
	assert.Equal(t, "Hello, Nyash!\n", out)
}

func TestRun_VMBackendPrintsOutput(t *testing.T) {
	path := writeSource(t, `box Main {
		main() { print("via-vm") }
	}
	local m = new Main()
	m.main()`)

	var code int
	out := captureStdout(t, func() {
		code = run([]string{"nyash", "--backend", "vm", path})
	})
	assert.Equal(t, exitOK, code)
	assert.Equal(t, "via-vm\n", out)
}

func TestRun_ParseErrorExitsWithParseVerifyCode(t *testing.T) {
	path := writeSource(t, `box Main { main() { print( } }`)

	code := run([]string{"nyash", path})
	assert.Equal(t, exitParseVerify, code)
}

func TestRun_VerifyFlagPrintsOkOnValidProgram(t *testing.T) {
	path := writeSource(t, `static box Main {
		main() { print("ok") }
	}`)

	var code int
	out := captureStdout(t, func() {
		code = run([]string{"nyash", "--verify", path})
	})
	assert.Equal(t, exitOK, code)
	assert.Equal(t, "ok\n", out)
}

func TestRun_DumpMIREmitsFunctionNames(t *testing.T) {
	path := writeSource(t, `static box Main {
		main() { print("x") }
	}`)

	var code int
	out := captureStdout(t, func() {
		code = run([]string{"nyash", "--dump-mir", path})
	})
	assert.Equal(t, exitOK, code)
	assert.Contains(t, out, "Main.main/0")
}

func TestRun_CompileWasmWritesWatFile(t *testing.T) {
	path := writeSource(t, `static box Main {
		main() { print("x") }
	}`)
	outPath := filepath.Join(t.TempDir(), "out.wat")

	code := run([]string{"nyash", "--compile-wasm", "-o", outPath, path})
	assert.Equal(t, exitOK, code)

	data, err := os.ReadFile(outPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "module")
}

func TestRun_CompileNativeReportsExternalToolRequirement(t *testing.T) {
	path := writeSource(t, `static box Main {
		main() { print("x") }
	}`)

	code := run([]string{"nyash", "--compile-native", path})
	assert.Equal(t, exitRuntime, code)
}

func TestRun_MissingSourceArgumentExitsRuntime(t *testing.T) {
	code := run([]string{"nyash"})
	assert.Equal(t, exitRuntime, code)
}

func TestRun_UnknownBackendReportsError(t *testing.T) {
	path := writeSource(t, `static box Main {
		main() { print("x") }
	}`)

	code := run([]string{"nyash", "--backend", "bogus", path})
	assert.Equal(t, exitRuntime, code)
}

func TestParseFuel(t *testing.T) {
	n, err := parseFuel("unlimited")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = parseFuel("500")
	require.NoError(t, err)
	assert.Equal(t, 500, n)

	_, err = parseFuel("not-a-number")
	require.Error(t, err)
}

func TestRun_BenchmarkRunsBothBackends(t *testing.T) {
	path := writeSource(t, `box Main {
		main() { print("bench") }
	}
	local m = new Main()
	m.main()`)

	var code int
	out := captureStdout(t, func() {
		code = run([]string{"nyash", "--benchmark", "--iterations", "2", path})
	})
	assert.Equal(t, exitOK, code)
	assert.True(t, strings.Contains(out, "backend=interpreter iterations=2 ok"))
	assert.True(t, strings.Contains(out, "backend=vm iterations=2 ok"))
}
