package main

import (
	"fmt"
	"os"

	_ "github.com/crucial707/hours-reconcile/cmd/cli/admin"
	_ "github.com/crucial707/hours-reconcile/cmd/cli/conflicts"
	_ "github.com/crucial707/hours-reconcile/cmd/cli/reconcile"
	"github.com/crucial707/hours-reconcile/cmd/cli/root"
)

func main() {
	if err := root.GetRoot().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
