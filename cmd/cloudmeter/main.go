package main

import "github.com/meterwise/cloudmeter/cmd/cloudmeter/commands"

func main() {
	commands.Execute()
}
