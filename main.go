package main

import "musicmashup/cmd"

func main() {
	cmd.Execute()
}
