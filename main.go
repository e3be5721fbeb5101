package main

import "github.com/gitpod-io/kiln/cmd"

func main() {
	cmd.Execute()
}
