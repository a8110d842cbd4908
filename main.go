package main

import "github.com/andresmejia3/seeker/cmd"

func main() {
	cmd.Execute()
}
