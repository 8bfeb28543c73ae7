package main

import "github.com/audiolibrelab/jamfx/cmd"

func main() {
	cmd.Execute()
}
