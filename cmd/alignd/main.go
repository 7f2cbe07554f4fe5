package main

import "github.com/meshalign/alignd/internal/cli"

func main() {
	cli.Execute()
}
