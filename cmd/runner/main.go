package main

import "github.com/Hasbicom1/Tagent-sub007/services/runner/cli"

func main() {
	cli.Execute()
}
