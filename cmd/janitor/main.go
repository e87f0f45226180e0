package main

import "github.com/Hasbicom1/Tagent-sub007/services/janitor/cli"

func main() {
	cli.Execute()
}
