package main

import (
	"github.com/joho/godotenv"

	"github.com/emufleet/emufleet/api/cmd/emufleet"
)

func main() {
	_ = godotenv.Load()
	emufleet.Execute()
}
