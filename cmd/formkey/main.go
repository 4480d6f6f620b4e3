package main

import "github.com/jmcleod/formkey/cmd/formkey/cmd"

func main() {
	cmd.Execute()
}
