// Command nyash is the CLI front end of the Nyash core (spec §6.1). It is
// explicitly out of core scope per spec §1 ("treated as an external
// collaborator") but is included here as the thin consumer every one of the
// core packages is ultimately exercised through, the same way the teacher
// ships `examples/host-runtime` as a thin consumer of its SDK.
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"nyash-core/application/config"
	"nyash-core/application/mirbuild"
	"nyash-core/application/parser"
	"nyash-core/application/verify"
	"nyash-core/domain/ast"
	"nyash-core/domain/errors"
	"nyash-core/domain/mir"
	"nyash-core/domain/ports"
	"nyash-core/infrastructure/interpreter"
	"nyash-core/infrastructure/pluginloader"
	"nyash-core/infrastructure/vm"
	"nyash-core/infrastructure/wasmgen"
	"nyash-core/wireformat"
)

// exit codes per spec §6.1.
const (
	exitOK          = 0
	exitRuntime     = 1
	exitParseVerify = 2
)

func main() {
	os.Exit(run(os.Args))
}

func run(argv []string) int {
	logger := logrus.StandardLogger()
	if os.Getenv("NYASH_DEBUG_PLUGIN") == "1" {
		logger.SetLevel(logrus.DebugLevel)
	}

	app := &cli.App{
		Name:  "nyash",
		Usage: "run, verify, or compile a Nyash program",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "backend", Value: "interpreter", Usage: "interpreter|vm|llvm (llvm runs the VM; there is no LLVM backend)"},
			&cli.BoolFlag{Name: "dump-mir", Usage: "emit MIR textual representation to stdout instead of executing"},
			&cli.BoolFlag{Name: "mir-json", Usage: "with --dump-mir, emit JSON instead of the text dump"},
			&cli.BoolFlag{Name: "mir-verbose", Usage: "include verbose MIR statistics"},
			&cli.BoolFlag{Name: "verify", Usage: "run verifier only; exit 0 on success, non-zero on failure"},
			&cli.BoolFlag{Name: "compile-wasm", Usage: "emit .wat to a file (or stdout with -o -)"},
			&cli.BoolFlag{Name: "compile-native", Aliases: []string{"aot"}, Usage: "invoke AOT path producing a precompiled module"},
			&cli.StringFlag{Name: "o", Usage: "output path for compilation modes"},
			&cli.StringFlag{Name: "debug-fuel", Value: "100000", Usage: "parser iteration ceiling; N or \"unlimited\""},
			&cli.BoolFlag{Name: "benchmark", Usage: "run the benchmark harness across backends"},
			&cli.IntFlag{Name: "iterations", Value: 1, Usage: "iteration count for --benchmark"},
			&cli.BoolFlag{Name: "vm-stats", Usage: "enable VM instruction statistics (human-readable)"},
			&cli.BoolFlag{Name: "vm-stats-json", Usage: "enable VM instruction statistics (JSON)"},
			&cli.StringFlag{Name: "plugin-manifest", Usage: "path to the TOML plugin manifest (spec §3.7/§6.3)"},
		},
		Action: func(c *cli.Context) error {
			return cliMain(c, logger)
		},
	}

	if err := app.Run(argv); err != nil {
		if code, ok := err.(exitError); ok {
			fmt.Fprintln(os.Stderr, code.msg)
			return code.code
		}
		fmt.Fprintln(os.Stderr, err)
		return exitRuntime
	}
	return exitOK
}

// exitError carries a pre-chosen process exit code out of app.Run, letting
// cliMain report spec §6.1's two non-zero codes distinctly (runtime vs.
// parse/verify) instead of collapsing every error to 1.
type exitError struct {
	msg  string
	code int
}

func (e exitError) Error() string { return e.msg }

func cliMain(c *cli.Context, logger *logrus.Logger) error {
	if c.NArg() < 1 {
		return exitError{"nyash: missing source file argument", exitRuntime}
	}
	srcPath := c.Args().First()
	src, err := os.ReadFile(srcPath)
	if err != nil {
		return exitError{fmt.Sprintf("nyash: %v", err), exitRuntime}
	}

	fuel, err := parseFuel(c.String("debug-fuel"))
	if err != nil {
		return exitError{fmt.Sprintf("nyash: %v", err), exitRuntime}
	}

	prog, err := parser.New(string(src), parser.WithFuel(fuel)).Parse()
	if err != nil {
		return exitError{diagnostic(err), exitParseVerify}
	}

	var manifest *config.Manifest
	if path := c.String("plugin-manifest"); path != "" {
		manifest, err = config.LoadManifest(path)
		if err != nil {
			return exitError{diagnostic(err), exitRuntime}
		}
	}

	backend := c.String("backend")

	// The interpreter never consumes MIR, so --dump-mir, --verify, and
	// --compile-wasm all need a lowered module regardless of the chosen
	// execution backend.
	needsMIR := c.Bool("dump-mir") || c.Bool("verify") || c.Bool("compile-wasm") ||
		c.Bool("compile-native") || backend == "vm" || backend == "llvm"

	var mod *mir.Module
	if needsMIR {
		built, err := mirbuild.Build(prog)
		if err != nil {
			return exitError{diagnostic(err), exitParseVerify}
		}
		if err := verify.Module(built); err != nil {
			return exitError{diagnostic(err), exitParseVerify}
		}
		mod = built
	}

	switch {
	case c.Bool("verify"):
		fmt.Println("ok")
		return nil

	case c.Bool("dump-mir"):
		return dumpMIR(mod, c.Bool("mir-json"), c.Bool("mir-verbose"))

	case c.Bool("compile-wasm") || c.Bool("compile-native"):
		return compileWASM(mod, c.Bool("compile-native"), c.String("o"))

	case c.Bool("benchmark"):
		return benchmark(c.Context, prog, mod, manifest, logger, c.Int("iterations"))

	default:
		output, _, err := execute(c.Context, backend, prog, mod, manifest, logger, c.Bool("vm-stats"), c.Bool("vm-stats-json"))
		for _, line := range output {
			fmt.Println(line)
		}
		if err != nil {
			return exitError{diagnostic(err), exitRuntime}
		}
		return nil
	}
}

func parseFuel(s string) (int, error) {
	if s == "unlimited" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid --debug-fuel %q: %w", s, err)
	}
	return n, nil
}

func diagnostic(err error) string {
	d := errors.ToErrorDetail(err)
	if d.Location != "" {
		return fmt.Sprintf("%s: %s at %s", d.Kind, d.Message, d.Location)
	}
	return fmt.Sprintf("%s: %s", d.Kind, d.Message)
}

func dumpMIR(m *mir.Module, asJSON, verbose bool) error {
	if asJSON {
		data, err := wireformat.DumpJSON(m)
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}
	fmt.Print(wireformat.DumpText(m))
	if verbose {
		dump := wireformat.DumpModule(m)
		fmt.Printf("; %d functions, %d box types\n", len(dump.Functions), len(dump.Boxes))
	}
	return nil
}

func compileWASM(m *mir.Module, aot bool, out string) error {
	gen := wasmgen.New(m)
	text, err := gen.Emit()
	if err != nil {
		return err
	}
	if aot {
		// spec §4.9 "AOT path": piping emitted WAT through a host
		// WebAssembly runtime's AOT compiler is an external-collaborator
		// step (spec §1 lists build-system integration out of core
		// scope); this core stops at emitting the .wat the host
		// toolchain consumes.
		return exitError{
			"nyash: --compile-native requires an external host WASM AOT " +
				"compiler; this core emits .wat only (use --compile-wasm)",
			exitRuntime,
		}
	}
	if out == "" || out == "-" {
		fmt.Print(text)
		return nil
	}
	return os.WriteFile(out, []byte(text), 0o644)
}

func execute(ctx context.Context, backend string, prog *ast.Program, m *mir.Module, manifest *config.Manifest, logger *logrus.Logger, vmStats, vmStatsJSON bool) ([]string, any, error) {
	switch backend {
	case "interpreter":
		opts := []interpreter.Option{interpreter.WithLogger(logger)}
		if manifest != nil {
			opts = append(opts, interpreter.WithPlugins(newInvoker(logger, manifest), manifest))
		}
		in := interpreter.New(prog, opts...)
		return in.Run(ctx, "", nil)

	case "vm", "llvm":
		// spec §6.1: "--backend llvm" is the historical flag name; there
		// is no LLVM backend, it runs the same MIR module on the VM (see
		// SPEC_FULL.md §3 "CLI --backend llvm flag name").
		opts := []vm.Option{}
		if manifest != nil {
			opts = append(opts, vm.WithPlugins(newInvoker(logger, manifest), manifest))
		}
		if vmStats || vmStatsJSON || os.Getenv("NYASH_VM_STATS") == "1" || os.Getenv("NYASH_VM_STATS_JSON") == "1" {
			opts = append(opts, vm.WithStats())
		}
		machine := vm.New(m, opts...)
		output, result, err := machine.Run(ctx, m.EntryFunc, nil)
		if stats := machine.Stats(); stats != nil {
			if vmStatsJSON || os.Getenv("NYASH_VM_STATS_JSON") == "1" {
				if data, jerr := stats.JSON(); jerr == nil {
					fmt.Fprintln(os.Stderr, string(data))
				}
			} else {
				fmt.Fprint(os.Stderr, stats.String())
			}
		}
		return output, result, err

	default:
		return nil, nil, fmt.Errorf("unknown --backend %q (want interpreter, vm, or llvm)", backend)
	}
}

func benchmark(ctx context.Context, prog *ast.Program, m *mir.Module, manifest *config.Manifest, logger *logrus.Logger, iterations int) error {
	if iterations < 1 {
		iterations = 1
	}
	backends := []string{"interpreter", "vm"}
	for _, b := range backends {
		for i := 0; i < iterations; i++ {
			if _, _, err := execute(ctx, b, prog, m, manifest, logger, false, false); err != nil {
				return fmt.Errorf("benchmark backend %s iteration %d: %w", b, i, err)
			}
		}
		fmt.Printf("backend=%s iterations=%d ok\n", b, iterations)
	}
	return nil
}

func newInvoker(logger *logrus.Logger, manifest *config.Manifest) ports.PluginInvoker {
	ld := pluginloader.New(pluginloader.WithLogger(logger))
	for _, boxType := range manifest.BoxTypes() {
		bm, _ := manifest.Lookup(boxType)
		ld.RegisterManifest(bm)
	}
	return ld
}
