// Package main is the entry point for querygate, a query server that runs
// documents from async front ends on a bounded pool of blocking workers.
package main

import (
	"querygate/server/cmd"
)

func main() {
	cmd.Execute()
}
