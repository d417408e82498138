package main

import "github.com/automate-sh/automate/cmd"

func main() {
	cmd.Execute()
}
