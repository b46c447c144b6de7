package main

import (
	"log"

	"github.com/plugvm/plugvm/flag"
)

func main() {
	if err := flag.Parse(); err != nil {
		log.Fatal(err)
	}
}
