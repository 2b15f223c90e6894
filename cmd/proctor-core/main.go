// Command proctor-core is the proctoring daemon and its control CLI.
package main

import "os"

func main() {
	if err := Execute(); err != nil {
		os.Exit(1)
	}
}
