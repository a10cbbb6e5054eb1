package main

import "github.com/tmwalaszek/artimport/cmd"

func main() {
	cmd.Execute()
}
