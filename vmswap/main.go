// Package main is the entry of the vmswap command line tool.
package main

import "github.com/sarchlab/vmswap/vmswap/cmd"

func main() {
	cmd.Execute()
}
