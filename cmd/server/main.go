package main

import "servicedesk/cmd/cli"

func main() {
	cli.Execute()
}
