package main

import "github.com/nextlevelbuilder/popkit/cmd"

func main() {
	cmd.Execute()
}
