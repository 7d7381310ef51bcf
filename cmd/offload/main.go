package main

import (
	"log"

	"github.com/seantiz/offload/internal/cli"
	_ "github.com/seantiz/offload/internal/demo"
	"github.com/seantiz/offload/internal/entrypoint"
)

func main() {
	// A re-executed worker child serves its entry point and exits here.
	entrypoint.Main()

	if err := cli.Execute(); err != nil {
		log.Fatal(err)
	}
}
