package main

import "southwinds.dev/framekey/cli/cmd"

func main() {
	cmd.Execute()
}
