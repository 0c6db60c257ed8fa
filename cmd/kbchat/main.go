// Command kbchat is a terminal client for a knowledge-base chat backend.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := run(newApp(), os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, errColor.Sprint("Error: ")+err.Error())
		os.Exit(1)
	}
}

// run executes the command line and releases the app's resources whether or
// not the command succeeded.
func run(a *app, args []string) error {
	defer a.close()
	root := newRootCmd(a)
	root.SetArgs(args)
	return root.Execute()
}
