package main

import "github.com/zeusync/netsync/cmd/netsync/cmd"

func main() {
	cmd.Execute()
}
