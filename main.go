package main

import "go-improv/cmd"

func main() {
	cmd.Execute()
}
