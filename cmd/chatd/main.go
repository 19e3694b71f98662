package main

import (
	"log"

	"github.com/jinyphp/chat-sub001/cmd/internal/app"
)

func main() {
	if err := app.Run(); err != nil {
		log.Fatal(err)
	}
}
