package main

import "github.com/agusx1211/gonogo/internal/cli"

func main() {
	cli.Execute()
}
