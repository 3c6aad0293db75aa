package main

import "github.com/andresmejia3/refacer/cmd"

func main() {
	cmd.Execute()
}
