package main

import "github.com/vietddude/notifyguard/internal/cli"

func main() {
	cli.Execute()
}
