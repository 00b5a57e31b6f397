package main

import "github.com/WaterWhisperer/capsuletun/cmd"

func main() {
	cmd.Execute()
}
