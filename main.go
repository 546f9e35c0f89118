package main

import "meditrack-server/internal/cli"

func main() {
	cli.Main()
}
