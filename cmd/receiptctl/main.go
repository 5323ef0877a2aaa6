package main

import "github.com/tansive/receipts/internal/cli"

func main() {
	cli.Execute()
}
