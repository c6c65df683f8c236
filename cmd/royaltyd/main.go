package main

import (
	"log"

	"revshare/services/royaltyd"
)

func main() {
	if err := royaltyd.Main(); err != nil {
		log.Fatalf("royaltyd: %v", err)
	}
}
