package main

import "github.com/schovi/retrohost/cmd"

func main() {
	cmd.Execute()
}
