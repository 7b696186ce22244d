package main

import (
	"github.com/alagyn/tubular/cli"
)

func main() {
	cli.Command()
}
