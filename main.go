package main

import "github.com/opentongchi/tongchi/cmd"

func main() {
	cmd.Execute()
}
