package main

import "github.com/forgelab/toolforge/cmd"

func main() {
	cmd.Execute()
}
