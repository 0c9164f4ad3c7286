package main

import "github.com/devicelab-dev/flutter-driver/pkg/cli"

func main() {
	cli.Execute()
}
