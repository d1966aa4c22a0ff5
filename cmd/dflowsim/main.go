// Command dflowsim drives one run of the simulated distributed
// dataflow pipeline to completion and prints its final result.
package main

import "os"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
