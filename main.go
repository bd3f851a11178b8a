package main

import "github.com/jeremyhahn/go-signature-trust/pkg/cmd"

func main() {
	cmd.Execute()
}
