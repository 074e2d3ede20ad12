package main

import "github.com/talligan/concord/cmd"

func main() {
	cmd.Execute()
}
