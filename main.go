package main

import "github.com/teai-io/teai-backend/cmd"

func main() {
	cmd.Execute()
}
