package main

import "github.com/tanq16/ferry/cmd"

func main() {
	cmd.Execute()
}
