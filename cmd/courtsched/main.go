package main

import "github.com/example/court-scheduler/cmd"

func main() {
	cmd.Execute()
}
