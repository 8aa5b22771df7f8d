package main

import "github.com/vargoshq/vargos/cmd"

func main() {
	cmd.Execute()
}
