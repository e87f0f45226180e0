package main

import "github.com/Hasbicom1/Tagent-sub007/services/gateway/cli"

func main() {
	cli.Execute()
}
