package main

import "github.com/iohzrd/thor/go-swarm/cli"

func main() {
	cli.Execute()
}
