// Package main is the entry point for the sensor data gateway.
package main

import (
	"fmt"
	"os"

	"bladewatch.io/gateway/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
