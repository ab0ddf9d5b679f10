package main

import "github.com/autorag/autorag/cmd"

func main() {
	cmd.Execute()
}
