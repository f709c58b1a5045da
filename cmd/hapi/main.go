// Command hapi runs the hub control plane or a machine runner,
// depending on the first argument — the same single-binary,
// subcommand-dispatch shape as the teacher's cmd/leapmux.
package main

import (
	"fmt"
	"os"

	"github.com/hapi/hub/internal/logging"
)

var version = "dev"

func main() {
	logging.Setup()

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: hapi <hub|worker|version> [flags]")
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "hub":
		err = runHub(os.Args[2:])
	case "worker":
		err = runWorker(os.Args[2:])
	case "version":
		fmt.Println(version)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q; usage: hapi <hub|worker|version> [flags]\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, "hapi:", err)
		os.Exit(1)
	}
}
