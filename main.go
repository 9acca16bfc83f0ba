package main

import "github.com/user/gosec-scan/cmd"

func main() {
	cmd.Execute()
}
