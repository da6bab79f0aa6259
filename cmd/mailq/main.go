// mailq 命令列入口；所有邏輯在 internal/cli
package main

import (
	"fmt"
	"os"

	"github.com/ChuLiYu/mailq/internal/cli"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", r)
			os.Exit(1)
		}
	}()

	os.Exit(cli.Execute())
}
