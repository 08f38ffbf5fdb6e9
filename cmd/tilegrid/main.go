// Package main provides the TileGrid CLI.
package main

import (
	"fmt"
	"os"

	"github.com/tilegrid-ml/tilegrid/checkpoint"
)

const version = "v0.0.1-dev"

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "version":
			fmt.Printf("TileGrid %s\n", version)
			return
		case "inspect":
			if len(os.Args) < 3 {
				fmt.Fprintln(os.Stderr, "usage: tilegrid inspect <checkpoint>")
				os.Exit(2)
			}
			if err := inspect(os.Args[2]); err != nil {
				fmt.Fprintf(os.Stderr, "tilegrid: %v\n", err)
				os.Exit(1)
			}
			return
		}
	}

	fmt.Println("TileGrid - Tiled Distributed Tensor Algebra for Go")
	fmt.Printf("Version: %s\n\n", version)
	fmt.Println("Commands:")
	fmt.Println("  version              Show version")
	fmt.Println("  inspect <checkpoint> List the tensors in a checkpoint")
}

func inspect(path string) error {
	infos, meta, err := checkpoint.Manifest(path)
	if err != nil {
		return err
	}
	for _, info := range infos {
		fmt.Printf("%-40s %-8s %v\n", info.Name, info.DType, info.Shape)
	}
	for k, v := range meta {
		fmt.Printf("# %s = %s\n", k, v)
	}
	return nil
}
