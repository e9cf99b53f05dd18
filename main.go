package main

import "github.com/andresmejia3/poise/cmd"

func main() {
	cmd.Execute()
}
