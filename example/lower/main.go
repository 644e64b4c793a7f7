package main

import (
	"fmt"
	"os"

	"github.com/ziggy42/upsilon/internal/wasmbuild"
	"github.com/ziggy42/upsilon/upsilon"
)

func main() {
	// 1. Build a module exporting add(i32, i32) -> i32
	b := wasmbuild.New()
	add := b.Func(
		[]byte{wasmbuild.I32, wasmbuild.I32}, []byte{wasmbuild.I32}, nil,
		byte(upsilon.LocalGet), 0, byte(upsilon.LocalGet), 1, byte(upsilon.I32Add),
	)
	b.Export("add", wasmbuild.KindFunc, add)

	// 2. Parse it
	module, err := upsilon.ParseBytes(b.Bytes())
	if err != nil {
		fmt.Println("Error parsing WASM module:", err)
		return
	}
	module.Name = "add"

	// 3. Lower it
	output, err := upsilon.NewCompiler().Lower(module)
	if err != nil {
		fmt.Println("Error lowering module:", err)
		return
	}

	// 4. Print the IR and the manifest
	fmt.Println(output)
	if err := output.WriteManifest(os.Stdout); err != nil {
		fmt.Println("Error writing manifest:", err)
	}
}
