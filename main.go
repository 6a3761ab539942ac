package main

import "github.com/ethanolivertroy/vuln-ledger/cmd"

func main() {
	cmd.Execute()
}
