package main

import "github.com/labgrid-project/labgrid-go/internal/cli"

func main() {
	cli.Execute()
}
