package main

import (
	"log"
	"os"

	"listshare/internal/cli"
	"listshare/internal/config"
)

func main() {
	log.SetFlags(0)
	cfg, err := config.LoadClient()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	os.Exit(cli.Execute(os.Args[1:], cfg, os.Stdin, os.Stdout, os.Stderr))
}
