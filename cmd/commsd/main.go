// Command commsd runs a comms substrate node and provides CLI inspection
// of its durable state.
package main

import "synnergy-comms/cmd/commsd/cmd"

func main() {
	cmd.Execute()
}
