package main

import "yqhp/taskbus/cmd"

func main() {
	cmd.Execute()
}
