package main

import "gaswatcher/internal/cli"

func main() {
	cli.Execute()
}
