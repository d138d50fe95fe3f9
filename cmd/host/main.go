// Command host is a small demonstration binary standing in for the
// out-of-scope dispatcher: it binds a module instance to a single
// invocation, executes it, and prints the resulting return value.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/wasmforge/modhost/cache"
	"github.com/wasmforge/modhost/engine"
	"github.com/wasmforge/modhost/instance"
	"github.com/wasmforge/modhost/message"
)

func main() {
	var (
		path     = flag.String("module", "", "path to the main WASM module")
		user     = flag.String("user", "demo", "owning user, used as a cache key component")
		function = flag.String("function", "demo", "function name, used as a cache key component")
		input    = flag.String("input", "", "input data passed to the entry function")
	)
	flag.Parse()

	if *path == "" {
		fmt.Fprintln(os.Stderr, "usage: host -module <path/to/main.wasm> [-input text]")
		os.Exit(2)
	}

	ctx := context.Background()
	backend := engine.NewWazeroBackend(nil)

	loader := func(user, function, sharedPath string) ([]byte, error) {
		if sharedPath != "" {
			return os.ReadFile(sharedPath)
		}
		return os.ReadFile(*path)
	}

	mi := instance.New(instance.Config{
		Backend:        backend,
		Cache:          cache.New(),
		Loader:         loader,
		MaxMemoryBytes: 256 * 1024 * 1024,
	})

	msg := &message.Message{User: *user, Function: *function, InputData: []byte(*input)}

	if err := mi.BindToFunction(ctx, msg, true); err != nil {
		fmt.Fprintf(os.Stderr, "bind: %v\n", err)
		os.Exit(1)
	}
	defer mi.TearDown(ctx)

	ok, err := mi.Execute(ctx, msg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "execute: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("return value: %d (success=%v)\n", msg.ReturnValue, ok)
	if !ok {
		os.Exit(1)
	}
}
