package main

import "github.com/praxisrange/praxis/cmd/praxisctl/cmd"

func main() {
	cmd.Execute()
}
