// Command ahcisim runs guest workloads against the simulated AHCI controller.
package main

import "github.com/sarchlab/ahcisim/cmd/ahcisim/cmd"

func main() {
	cmd.Execute()
}
