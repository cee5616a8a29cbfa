package main

import "github.com/ValentinKolb/kvcheck/cmd"

func main() {
	cmd.Execute()
}
