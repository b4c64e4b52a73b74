package main

import "github.com/example/face-enroll/cmd"

func main() {
	cmd.Execute()
}
