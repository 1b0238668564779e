// Command configvalidate loads and compiles a plugin configuration
// document through the exact same path cmd/wasmshim's root context uses
// (package runtime's LoadConfig), so a document that validates here is
// guaranteed to load inside the filter too. Grounded on the teacher's
// cmd/aigw/main.go kong CLI pattern.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/alecthomas/kong"

	"github.com/kuadrant/wasm-policy-shim/internal/runtime"
)

type rootCmd struct {
	Validate cmdValidate `cmd:"" help:"Load and compile a plugin configuration document, exiting non-zero on any error."`
}

type cmdValidate struct {
	Path string `arg:"" name:"path" help:"Path to the plugin configuration JSON document." type:"path"`
}

func main() {
	os.Exit(doMain(os.Stdout, os.Stderr, os.Args[1:]))
}

func doMain(stdout, stderr io.Writer, args []string) int {
	log := slog.New(slog.NewTextHandler(stderr, nil))

	var c rootCmd
	parser, err := kong.New(&c,
		kong.Name("configvalidate"),
		kong.Description("Validate a policy filter plugin configuration document."),
		kong.Writers(stdout, stderr),
	)
	if err != nil {
		log.Error("creating command parser", "error", err)
		return 1
	}

	ctx, err := parser.Parse(args)
	if err != nil {
		log.Error("parsing arguments", "error", err)
		return 1
	}

	switch ctx.Command() {
	case "validate <path>":
		return runValidate(log, stdout, c.Validate.Path)
	default:
		panic("unreachable")
	}
}

func runValidate(log *slog.Logger, stdout io.Writer, path string) int {
	raw, err := os.ReadFile(path)
	if err != nil {
		log.Error("reading configuration file", "path", path, "error", err)
		return 1
	}

	compiled, err := runtime.LoadConfig(raw)
	if err != nil {
		log.Error("configuration is invalid", "path", path, "error", err)
		return 1
	}

	fmt.Fprintf(stdout, "%s: valid (uuid=%s)\n", path, compiled.UUID)
	return 0
}
