package main

import (
	"macrolink/internal/client/cli"
)

func main() {
	cli.Execute()
}
